package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
	"github.com/shinji-kodama/pm2-http-proxy/internal/shell"
)

// DefaultPM2Bin is the pm2 executable looked up on PATH.
const DefaultPM2Bin = "pm2"

// PM2Backend reads the pm2 process list through the pm2 command line.
// pm2 keeps its own daemon, so Connect only checks that it answers and
// Disconnect has nothing to release.
type PM2Backend struct {
	// Bin is the pm2 executable; DefaultPM2Bin when empty.
	Bin string

	// Run executes pm2; shell.Exec when nil.
	Run shell.Runner
}

// pm2Process is the subset of a `pm2 jlist` entry the proxy reads.
type pm2Process struct {
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	PMID   any    `json:"pm_id"`
	PM2Env struct {
		Status string         `json:"status"`
		Env    map[string]any `json:"env"`
	} `json:"pm2_env"`
}

// Name implements Backend.
func (b *PM2Backend) Name() string { return "pm2" }

// Connect runs `pm2 ping`, which also starts the pm2 daemon when needed.
func (b *PM2Backend) Connect(ctx context.Context) error {
	if _, err := b.run(ctx, "ping"); err != nil {
		return err
	}
	return nil
}

// List runs `pm2 jlist` and decodes its output.
func (b *PM2Backend) List(ctx context.Context) ([]model.ProcessRecord, error) {
	out, err := b.run(ctx, "jlist")
	if err != nil {
		return nil, err
	}
	return ParseJList(out)
}

// Disconnect implements Backend.
func (b *PM2Backend) Disconnect() error { return nil }

func (b *PM2Backend) run(ctx context.Context, args ...string) ([]byte, error) {
	bin := b.Bin
	if bin == "" {
		bin = DefaultPM2Bin
	}
	return shell.OrExec(b.Run)(ctx, bin, args...)
}

// ParseJList decodes the JSON printed by `pm2 jlist`. Environment values
// that pm2 reports as numbers or booleans are converted to strings; null
// values are dropped.
func ParseJList(data []byte) ([]model.ProcessRecord, error) {
	var procs []pm2Process
	if err := json.Unmarshal(data, &procs); err != nil {
		return nil, fmt.Errorf("failed to decode pm2 process list: %w", err)
	}

	records := make([]model.ProcessRecord, 0, len(procs))
	for _, p := range procs {
		env := make(map[string]string, len(p.PM2Env.Env))
		for k, v := range p.PM2Env.Env {
			if s, ok := stringify(v); ok {
				env[k] = s
			}
		}
		records = append(records, model.ProcessRecord{
			Name:      p.Name,
			PID:       p.PID,
			ManagerID: mustString(p.PMID),
			Status:    p.PM2Env.Status,
			Env:       env,
		})
	}
	return records, nil
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func mustString(v any) string {
	s, _ := stringify(v)
	return s
}
