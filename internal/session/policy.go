package session

import "time"

// DefaultActivityWindow は最近の操作とみなす既定の期間。
const DefaultActivityWindow = time.Hour

// ValidEvidence はnow時点で期限内の記録だけを返す。
// 期限がNULLの記録と、期限がnowちょうどの記録は含まない。
func ValidEvidence(records []Evidence, now time.Time) []Evidence {
	var valid []Evidence
	for _, r := range records {
		if r.ExpiresAt != nil && r.ExpiresAt.After(now) {
			valid = append(valid, r)
		}
	}
	return valid
}

// HasRecentActivity は最終操作日時か最終サインイン日時のいずれかが
// nowからwindow以内（境界を含まない）にあるかどうかを返す。
func HasRecentActivity(now time.Time, lastActive, lastSignedIn *time.Time, window time.Duration) bool {
	threshold := now.Add(-window)
	return (lastActive != nil && lastActive.After(threshold)) ||
		(lastSignedIn != nil && lastSignedIn.After(threshold))
}

// IsSessionActive は有効な根拠と最近の操作の両方がある場合にのみtrueを返す。
func IsSessionActive(hasValidEvidence, hasRecentActivity bool) bool {
	return hasValidEvidence && hasRecentActivity
}
