package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sendgate/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (auth tokens, DSNs) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Queue
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", strings.TrimSpace(newCfg.Queue.Driver)),
			logx.Bool("queue.nats_url_set", strings.TrimSpace(newCfg.Queue.NATS.URL) != ""),
			logx.String("queue.nats_stream", strings.TrimSpace(newCfg.Queue.NATS.Stream)),
		)
	}

	// Platform (never log the token)
	if strings.TrimSpace(oldCfg.Platform.BaseURL) != strings.TrimSpace(newCfg.Platform.BaseURL) ||
		strings.TrimSpace(oldCfg.Platform.Timeout) != strings.TrimSpace(newCfg.Platform.Timeout) ||
		(strings.TrimSpace(oldCfg.Platform.AuthToken) != "") != (strings.TrimSpace(newCfg.Platform.AuthToken) != "") {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.base_url", strings.TrimSpace(newCfg.Platform.BaseURL)),
			logx.Bool("platform.token_set", strings.TrimSpace(newCfg.Platform.AuthToken) != ""),
			logx.String("platform.timeout", strings.TrimSpace(newCfg.Platform.Timeout)),
		)
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		countFailed := true
		if newCfg.Dispatch.CountFailedSends != nil {
			countFailed = *newCfg.Dispatch.CountFailedSends
		}
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.rate_limit", newCfg.Dispatch.RateLimit),
			logx.String("dispatch.rate_window", strings.TrimSpace(newCfg.Dispatch.RateWindow)),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.Bool("dispatch.count_failed_sends", countFailed),
			logx.Int("dispatch.breaker_threshold", newCfg.Dispatch.Breaker.FailureThreshold),
		)
	}

	// Fallback (never log the DSN). Nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet, oDSNSet, nDSNSet bool
	if oldCfg.Fallback != nil {
		oDriver = strings.TrimSpace(oldCfg.Fallback.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Fallback.Path) != ""
		oDSNSet = strings.TrimSpace(oldCfg.Fallback.DSN) != ""
	}
	if newCfg.Fallback != nil {
		nDriver = strings.TrimSpace(newCfg.Fallback.Driver)
		nPathSet = strings.TrimSpace(newCfg.Fallback.Path) != ""
		nDSNSet = strings.TrimSpace(newCfg.Fallback.DSN) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet || oDSNSet != nDSNSet {
		changed = append(changed, "fallback")
		attrs = append(attrs,
			logx.String("fallback.driver", nDriver),
			logx.Bool("fallback.path_set", nPathSet),
			logx.Bool("fallback.dsn_set", nDSNSet),
		)
	}

	// Report (never log the token)
	oR := derefReport(oldCfg.Report)
	nR := derefReport(newCfg.Report)
	if !reflect.DeepEqual(oR, nR) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", nR.Enabled),
			logx.String("report.addr", strings.TrimSpace(nR.Addr)),
			logx.Bool("report.token_set", strings.TrimSpace(nR.Token) != ""),
		)
	}

	// Redeliver
	oRd := derefRedeliver(oldCfg.Redeliver)
	nRd := derefRedeliver(newCfg.Redeliver)
	if !reflect.DeepEqual(oRd, nRd) {
		changed = append(changed, "redeliver")
		attrs = append(attrs,
			logx.Bool("redeliver.enabled", nRd.Enabled),
			logx.String("redeliver.schedule", strings.TrimSpace(nRd.Schedule)),
			logx.Int("redeliver.batch_size", nRd.BatchSize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefReport(r *ReportConfig) ReportConfig {
	if r == nil {
		return ReportConfig{}
	}
	return *r
}

func derefRedeliver(r *RedeliverConfig) RedeliverConfig {
	if r == nil {
		return RedeliverConfig{}
	}
	return *r
}
