package logging

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// HeaderRequestID はリクエストIDを返すレスポンスヘッダー。
const HeaderRequestID = "X-Request-ID"

// ginRequestIDKey はGinコンテキストにリクエストIDを格納するキー。
const ginRequestIDKey = "__request_id__"

// sensitiveQueryKeys はログに残さないクエリパラメータ。
var sensitiveQueryKeys = []string{"token", "state", "code", "access_token"}

// GinLogger はリクエストごとにIDを割り当て、処理結果をlogrusで記録するGinミドルウェアを返す。
// 5xxはerror、4xxはwarn、それ以外はinfoレベルで出力する。
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := MaskQuery(c.Request.URL.RawQuery)

		requestID := GenerateRequestID()
		c.Set(ginRequestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()

		line := fmt.Sprintf("%3d | %10v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			line += " | " + msg
		}

		entry := log.WithField("request_id", requestID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(line)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

// GenerateRequestID は8文字の16進リクエストIDを生成する。
func GenerateRequestID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}

// RequestID はGinコンテキストに割り当てられたリクエストIDを返す。
func RequestID(c *gin.Context) string {
	return c.GetString(ginRequestIDKey)
}

// Entry はリクエストIDを付与したログエントリを返す。
func Entry(c *gin.Context) *log.Entry {
	return log.WithField("request_id", RequestID(c))
}

// MaskQuery はクエリ文字列のうち認証情報を含むパラメータの値を伏せる。
// 解析できない場合は全体を伏せる。
func MaskQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[unparsable]"
	}
	masked := false
	for _, key := range sensitiveQueryKeys {
		if _, ok := values[key]; ok {
			values.Set(key, "***")
			masked = true
		}
	}
	if !masked {
		return rawQuery
	}
	return values.Encode()
}
