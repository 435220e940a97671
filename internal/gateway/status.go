package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/authgate/internal/registry"
)

// statusView はAPIで返す稼働状態。応答時間はミリ秒で表す。
type statusView struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"lastCheck"`
	ResponseTime *int64    `json:"responseTime,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func newStatusView(s registry.Status) statusView {
	v := statusView{
		Name:      s.Name,
		Healthy:   s.Healthy,
		LastCheck: s.LastCheck,
		Error:     s.Error,
	}
	if s.ResponseTime != nil {
		ms := s.ResponseTime.Milliseconds()
		v.ResponseTime = &ms
	}
	return v
}

// serviceView は/servicesで返すサービスの概要。
type serviceView struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Status      *statusView `json:"status"`
}

// handleHealth はゲートウェイ自身と記録済みのサービスの稼働状態を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses := s.registry.Statuses()
		services := make([]statusView, 0, len(statuses))
		for _, st := range statuses {
			services = append(services, newStatusView(st))
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": s.now().UTC().Format(time.RFC3339),
			"services":  services,
		})
	}
}

// handleServices は有効なサービスの一覧を返す。
// まだ一度も転送していないサービスのstatusはnull。
func (s *Server) handleServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		enabled := s.registry.EnabledServices()
		out := make([]serviceView, 0, len(enabled))
		for _, d := range enabled {
			v := serviceView{Name: d.Name, DisplayName: d.DisplayName}
			if st, ok := s.registry.Status(d.Name); ok {
				sv := newStatusView(st)
				v.Status = &sv
			}
			out = append(out, v)
		}
		c.JSON(http.StatusOK, out)
	}
}
