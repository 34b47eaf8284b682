package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (audio format, providers, queue sizes) requires a pipeline restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged covers the tuning knobs (threshold, smoothing), not the
	// engine selection.
	VADChanged bool
	NewVAD     VADConfig

	// LanguagesChanged covers the translation language pair.
	LanguagesChanged bool
	NewSourceLang    string
	NewTargetLang    string
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.LanguagesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD.RMSThreshold != new.VAD.RMSThreshold || old.VAD.Smoothing != new.VAD.Smoothing {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Translate.SourceLang != new.Translate.SourceLang ||
		old.Translate.TargetLang != new.Translate.TargetLang {
		d.LanguagesChanged = true
		d.NewSourceLang = new.Translate.SourceLang
		d.NewTargetLang = new.Translate.TargetLang
	}

	return d
}
