package sapi

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// executeOnThread runs one invocation start to finish. Only the dedicated
// thread calls this. The sequence mirrors a CGI request lifecycle: reset
// state, populate the inbound context, bootstrap the script globals, run
// the script, assemble the response, tear the globals down.
func (rt *runtimeState) executeOnThread(inv *Invocation) (*Result, error) {
	rt.capture.reset()
	rt.reqCtx.populate(inv)
	defer rt.reqCtx.reset()

	source, err := loadScript(inv.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("loading script %s: %w", inv.ScriptPath, err)
	}

	payload, err := json.Marshal(struct {
		Server map[string]string `json:"server"`
	}{Server: inv.Env})
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}
	if err := evalDiscard(rt.vm, "__sapi_begin("+jsEscape(string(payload))+")"); err != nil {
		return nil, fmt.Errorf("request bootstrap: %w", err)
	}
	defer func() {
		if err := evalDiscard(rt.vm, "__sapi_end()"); err != nil {
			rt.logger.Warn("request teardown", zap.Error(err))
		}
	}()

	start := time.Now()
	execErr := evalDiscard(rt.vm, source)

	// An uncaught exception after output was already written still serves
	// the output; the error is logged either way.
	if execErr != nil {
		rt.logScript("error", execErr.Error())
		if !rt.capture.produced() {
			return nil, fmt.Errorf("script error in %s: %v", inv.ScriptPath, execErr)
		}
		if rt.cfg.DisplayErrors {
			rt.capture.write("\n" + execErr.Error() + "\n")
		}
	}

	res := rt.capture.result()
	rt.logger.Debug("embedded execution finished",
		zap.String("script", inv.ScriptPath),
		zap.Int("status", res.StatusCode),
		zap.Int("body_bytes", len(res.Body)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
