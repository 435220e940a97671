package registry

import (
	"fmt"
	"regexp"

	"github.com/nao1215/authgate/internal/config"
)

// FromConfig はサービスカタログのエントリからサービス定義を組み立てる。
// 書き換え規則の正規表現が不正な場合はErrInvalidTargetを返す。
func FromConfig(sc config.ServiceConfig) (Descriptor, error) {
	d := Descriptor{
		Name:            sc.Name,
		DisplayName:     sc.DisplayName,
		AuthStrategy:    sc.AuthStrategy,
		Target:          sc.Target,
		PublicURL:       sc.PublicURL,
		Enabled:         sc.Enabled,
		Headers:         sc.Headers,
		ChangeOrigin:    sc.ChangeOrigin,
		SignedAssertion: sc.SignedAssertion,
	}

	for i, rw := range sc.Rewrites {
		pattern, err := regexp.Compile(rw.From)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: rewrite[%d]: %w", ErrInvalidTarget, i, err)
		}
		d.Rewrites = append(d.Rewrites, Rewrite{Pattern: pattern, Replacement: rw.To})
	}

	if sc.Session != nil {
		d.SessionCheck = true
		d.HandOff = HandOff{Path: sc.Session.HandOffPath, Params: sc.Session.HandOffParams}
		d.ActivityWindow = sc.Session.ActivityWindow
	}
	return d, nil
}
