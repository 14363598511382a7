package sapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/quickjs"
)

// evalDiscard evaluates JavaScript and discards the result (frees the Value).
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// jsEscape escapes a string for safe embedding in JavaScript source code.
// %q produces a Go-quoted string that is also valid JS.
func jsEscape(s string) string {
	return strconv.Quote(s)
}

// registerGoFunc registers a Go function and wraps it in JS so that a
// (T, error) return throws a TypeError on error instead of surfacing the
// [value, error] array quickjs RegisterFunc produces for multi-value
// results.
func registerGoFunc(vm *quickjs.VM, name string, f any, wantThis bool) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, f, wantThis); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}

// installBindings wires the host hook surface into the VM and evaluates
// the prelude that exposes it as script-facing functions. Runs once, on
// the dedicated thread, before the first execution.
func installBindings(rt *runtimeState) error {
	vm := rt.vm

	hooks := map[string]any{
		"__sapi_write": func(s string) {
			rt.capture.write(s)
		},
		"__sapi_header": func(line string, replace bool) {
			rt.capture.addHeader(line, replace)
		},
		"__sapi_status": func(code int) {
			rt.capture.setResponseCode(code)
		},
		"__sapi_read_post": func(n int) string {
			return string(rt.reqCtx.readPost(n))
		},
		"__sapi_cookies": func() string {
			return rt.reqCtx.cookieHeader()
		},
		"__sapi_log": func(level, message string) {
			rt.logScript(level, message)
		},
		"__sapi_ini_get": func(name string) string {
			return rt.cfg.Settings[name]
		},
		"__sapi_kv_get": func(key string) (string, error) {
			if rt.kv == nil {
				return "", errKVDisabled
			}
			return rt.kv.get(key)
		},
		"__sapi_kv_put": func(key, value string) (int, error) {
			if rt.kv == nil {
				return 0, errKVDisabled
			}
			return 1, rt.kv.put(key, value)
		},
		"__sapi_kv_delete": func(key string) (int, error) {
			if rt.kv == nil {
				return 0, errKVDisabled
			}
			return 1, rt.kv.delete(key)
		},
	}
	for name, f := range hooks {
		if err := registerGoFunc(vm, name, f, false); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}

	if err := evalDiscard(vm, preludeJS); err != nil {
		return fmt.Errorf("evaluating prelude: %w", err)
	}
	return nil
}

// logScript routes script diagnostics: zap for the operator, the error
// log file when configured, and lastError for the failure reply.
func (rt *runtimeState) logScript(level, message string) {
	switch strings.ToLower(level) {
	case "error":
		rt.capture.setLastError(message)
		rt.logger.Warn("script error", zap.String("message", message))
		rt.appendErrorLog(message)
	case "warn":
		rt.logger.Warn("script warning", zap.String("message", message))
	default:
		rt.logger.Info("script log", zap.String("message", message))
	}
}

func (rt *runtimeState) appendErrorLog(message string) {
	if rt.cfg.ErrorLog == "" {
		return
	}
	stamp := time.Now().UTC().Format("02-Jan-2006 15:04:05 UTC")
	line := fmt.Sprintf("[%s] %s\n", stamp, message)
	if err := appendFile(rt.cfg.ErrorLog, line); err != nil {
		rt.logger.Warn("writing error log", zap.String("path", rt.cfg.ErrorLog), zap.Error(err))
	}
}

// preludeJS is the script-facing runtime: output and header functions
// that forward to the host hooks, a console shim, the kv object, and the
// per-request begin/end lifecycle that builds SERVER, GET, POST, COOKIE
// and REQUEST.
const preludeJS = `
'use strict';

function echo() {
	for (var i = 0; i < arguments.length; i++) __sapi_write(String(arguments[i]));
}

function print(s) {
	__sapi_write(String(s));
	return 1;
}

function header(line, replace) {
	__sapi_header(String(line), replace === undefined ? true : !!replace);
}

function http_response_code(code) {
	if (code === undefined) return globalThis.__responseCode || 200;
	code = code | 0;
	globalThis.__responseCode = code;
	__sapi_status(code);
	return true;
}

function ini_get(name) {
	return __sapi_ini_get(String(name));
}

function error_log(message) {
	__sapi_log('error', String(message));
	return true;
}

globalThis.console = {
	log: function () {
		__sapi_log('info', Array.prototype.map.call(arguments, String).join(' '));
	},
	warn: function () {
		__sapi_log('warn', Array.prototype.map.call(arguments, String).join(' '));
	},
	error: function () {
		__sapi_log('error', Array.prototype.map.call(arguments, String).join(' '));
	}
};

globalThis.kv = {
	get: function (key) { return __sapi_kv_get(String(key)); },
	put: function (key, value) { __sapi_kv_put(String(key), String(value)); },
	delete: function (key) { __sapi_kv_delete(String(key)); }
};

function __sapi_decode(s) {
	try { return decodeURIComponent(s.replace(/\+/g, ' ')); } catch (e) { return s; }
}

function __sapi_parse_pairs(raw) {
	var out = {};
	if (!raw) return out;
	var pairs = raw.split('&');
	for (var i = 0; i < pairs.length; i++) {
		if (pairs[i] === '') continue;
		var eq = pairs[i].indexOf('=');
		var k = eq < 0 ? pairs[i] : pairs[i].slice(0, eq);
		var v = eq < 0 ? '' : pairs[i].slice(eq + 1);
		k = __sapi_decode(k);
		if (k !== '') out[k] = __sapi_decode(v);
	}
	return out;
}

function __sapi_parse_cookies(raw) {
	var out = {};
	if (!raw) return out;
	var parts = raw.split(';');
	for (var i = 0; i < parts.length; i++) {
		var p = parts[i].trim();
		if (p === '') continue;
		var eq = p.indexOf('=');
		var k = eq < 0 ? p : p.slice(0, eq);
		var v = eq < 0 ? '' : p.slice(eq + 1);
		if (k !== '') out[k] = __sapi_decode(v);
	}
	return out;
}

function __sapi_begin(payloadJSON) {
	var payload = JSON.parse(payloadJSON);
	globalThis.SERVER = payload.server || {};

	globalThis.GET = __sapi_parse_pairs(SERVER.QUERY_STRING || '');

	var raw = '';
	for (;;) {
		var chunk = __sapi_read_post(65536);
		if (!chunk) break;
		raw += chunk;
	}
	globalThis.RAW_POST = raw;

	globalThis.POST = {};
	var method = (SERVER.REQUEST_METHOD || 'GET').toUpperCase();
	var ctype = SERVER.CONTENT_TYPE || '';
	if ((method === 'POST' || method === 'PUT') &&
		ctype.indexOf('application/x-www-form-urlencoded') === 0) {
		globalThis.POST = __sapi_parse_pairs(raw);
	}

	globalThis.COOKIE = __sapi_parse_cookies(__sapi_cookies());

	globalThis.REQUEST = {};
	[globalThis.GET, globalThis.POST, globalThis.COOKIE].forEach(function (src) {
		for (var k in src) globalThis.REQUEST[k] = src[k];
	});

	globalThis.__responseCode = 0;
}

function __sapi_end() {
	delete globalThis.SERVER;
	delete globalThis.GET;
	delete globalThis.POST;
	delete globalThis.COOKIE;
	delete globalThis.REQUEST;
	delete globalThis.RAW_POST;
	delete globalThis.__responseCode;
}
`
