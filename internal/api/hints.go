package api

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/router"
)

// routingHints reads the body's "provider" object. The X-Provider header
// pins a single provider and wins over the body.
func routingHints(r *http.Request, body []byte) (router.Hints, string) {
	p := gjson.GetBytes(body, "provider")
	hints := router.Hints{
		Only:         stringList(p.Get("only")),
		Ignore:       stringList(p.Get("ignore")),
		Order:        stringList(p.Get("order")),
		IncludeAlpha: p.Get("include_alpha").Bool() || p.Get("includeAlpha").Bool(),
	}

	mode := ""
	if sort := p.Get("sort"); sort.Type == gjson.String {
		mode = sort.String()
	}
	if m := r.Header.Get("X-Routing-Mode"); m != "" {
		mode = m
	}
	if pin := strings.TrimSpace(r.Header.Get("X-Provider")); pin != "" {
		hints.Only = []string{pin}
	}
	return hints, mode
}

func stringList(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cacheTTL reports the prompt cache lifetime a messages request asks for:
// "1h" when any cache_control block requests it, "5m" when caching is
// requested at all, and "" otherwise.
func cacheTTL(body []byte) string {
	ttl := ""
	var walk func(r gjson.Result)
	walk = func(r gjson.Result) {
		if ttl == "1h" {
			return
		}
		switch {
		case r.IsObject():
			r.ForEach(func(k, v gjson.Result) bool {
				if k.String() == "cache_control" && v.IsObject() {
					if v.Get("ttl").String() == "1h" {
						ttl = "1h"
						return false
					}
					ttl = "5m"
					return true
				}
				walk(v)
				return ttl != "1h"
			})
		case r.IsArray():
			r.ForEach(func(_, v gjson.Result) bool {
				walk(v)
				return ttl != "1h"
			})
		}
	}
	walk(gjson.ParseBytes(body))
	return ttl
}
