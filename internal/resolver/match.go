package resolver

import (
	"strings"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// Match returns the first record claiming domain and the port value it
// declares for it. Each record is tested with the DOMAIN/PORT rule first,
// then with its HOSTNAME_TO_PORT list. domain must already be lower-case.
// The port value is returned unvalidated.
func Match(records []model.ProcessRecord, domain string) (model.ProcessRecord, string, bool) {
	for _, rec := range records {
		if port, ok := simplePort(rec, domain); ok {
			return rec, port, true
		}
		if port, ok := ParseHostnameToPort(rec.Env[model.EnvHostnameToPort])[domain]; ok && port != "" {
			return rec, port, true
		}
	}
	return model.ProcessRecord{}, "", false
}

func simplePort(rec model.ProcessRecord, domain string) (string, bool) {
	if strings.ToLower(rec.Env[model.EnvDomain]) != domain {
		return "", false
	}
	port, ok := rec.Env[model.EnvPort]
	return port, ok
}

// ParseHostnameToPort parses a "host:port[,host:port]*" value into a map
// keyed by lower-cased host. Pairs that do not split into exactly two parts
// are ignored.
func ParseHostnameToPort(value string) map[string]string {
	out := make(map[string]string)
	if value == "" {
		return out
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(strings.TrimSpace(pair), ":")
		if len(parts) != 2 {
			continue
		}
		out[strings.ToLower(parts[0])] = parts[1]
	}
	return out
}
