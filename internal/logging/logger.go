// Package logging はlogrusを使ったゲートウェイ共通のログ設定とGin用のリクエストログを提供する。
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupMu   sync.Mutex
	logWriter *lumberjack.Logger
)

// Options はログ出力の設定。
type Options struct {
	// Level はログレベル（debug, info, warn, error）。空ならinfo。
	Level string
	// File が空でない場合、標準出力に加えてローテーションするファイルへも出力する。
	File string
	// JSON がtrueの場合はJSON形式で出力する。
	JSON bool
}

// fieldOrder はテキスト形式で表示するフィールドの順序。
var fieldOrder = []string{"service", "strategy", "email", "identity_id", "source", "status", "duration", "error"}

// Formatter はゲートウェイのテキストログ形式。
// 形式: [2026-10-19 12:00:00] [a1b2c3d4] [info ] [server.go:120] message service=outline
type Formatter struct{}

// Format はログエントリを1行に整形する。
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	var fields []string
	for _, k := range fieldOrder {
		if v, ok := entry.Data[k]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", k, v))
		}
	}
	fieldsStr := ""
	if len(fields) > 0 {
		fieldsStr = " " + strings.Join(fields, " ")
	}

	message := strings.TrimRight(entry.Message, "\r\n")
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%s] [%-5s] [%s:%d] %s%s\n", timestamp, reqID, level, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%s] [%-5s] %s%s\n", timestamp, reqID, level, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// Setup は標準のlogrusロガーとGinの出力先を設定する。
// 複数回呼び出した場合は最後の設定が有効になる。
func Setup(opts Options) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
		level = parsed
	}
	log.SetLevel(level)
	log.SetReportCaller(true)

	if opts.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&Formatter{})
	}

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		logWriter = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
		}
		out = io.MultiWriter(os.Stdout, logWriter)
	}
	log.SetOutput(out)

	gin.DefaultWriter = log.StandardLogger().Writer()
	gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
	gin.DebugPrintFunc = func(format string, values ...any) {
		log.StandardLogger().Debugf(strings.TrimRight(format, "\r\n"), values...)
	}

	log.RegisterExitHandler(Close)
	return nil
}

// Close はファイル出力を閉じる。
func Close() {
	setupMu.Lock()
	defer setupMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
