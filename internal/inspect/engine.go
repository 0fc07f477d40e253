package inspect

import (
	"github.com/oblivion/oblivion/internal/http11"
	"github.com/oblivion/oblivion/internal/normalize"
	"github.com/oblivion/oblivion/internal/signature"
)

// Verdict is the outcome of inspecting one request.
type Verdict struct {
	Blocked  bool
	Category signature.Category
	Pattern  string
	Reason   string
}

func allow() Verdict {
	return Verdict{}
}

func block(category signature.Category, pattern, reason string) Verdict {
	return Verdict{Blocked: true, Category: category, Pattern: pattern, Reason: reason}
}

// Engine composes the normalizer with a compiled signature set. It is pure
// over its inputs and safe for concurrent use.
type Engine struct {
	set *signature.Set
}

func NewEngine(set *signature.Set) *Engine {
	return &Engine{set: set}
}

// Inspect checks protocol anomalies first, then matches the normalized
// request target, each header value and the decoded body against the
// catalogue. The first hit wins.
func (e *Engine) Inspect(req *http11.Request, body []byte) Verdict {
	if _, ok := req.HeaderValue("host"); !ok {
		return block(signature.CategoryProtocolAnomaly, "", "missing host header")
	}
	if req.Method == "TRACE" || req.Method == "TRACK" {
		return block(signature.CategoryProtocolAnomaly, "", "method not allowed: "+req.Method)
	}

	if v := e.match(req.Target); v.Blocked {
		return v
	}
	for _, h := range req.Headers {
		if v := e.match(h.Value); v.Blocked {
			return v
		}
	}
	if len(body) > 0 {
		if v := e.match(string(body)); v.Blocked {
			return v
		}
	}

	return allow()
}

func (e *Engine) match(candidate string) Verdict {
	sig, ok := e.set.Match(normalize.Canonical(candidate))
	if !ok {
		return allow()
	}
	return block(sig.Category, sig.Pattern, "signature match")
}
