package utils

// Minimal server-side i18n for fixed keys. Participant-facing copy lives in
// the frontend; the server only localizes the error conditions it reports.

var translations = map[string]map[string]string{
	"en": {
		"health.ok":              "ok",
		"session.cannot_start":   "Cannot start session. Please check your participant ID and group.",
		"session.not_found":      "Session not found.",
		"session.incomplete":     "Some items are still unanswered. Please complete every case before finishing.",
		"record.invalid_item":    "This image does not belong to your session. Please retry.",
		"record.invalid_payload": "The submitted answer could not be read. Please retry.",
	},
	"de": {
		"health.ok":              "ok",
		"session.cannot_start":   "Sitzung kann nicht gestartet werden. Bitte Teilnehmer-ID und Gruppe prüfen.",
		"session.not_found":      "Sitzung nicht gefunden.",
		"session.incomplete":     "Einige Fälle sind noch unbeantwortet. Bitte alle Fälle abschließen.",
		"record.invalid_item":    "Dieses Bild gehört nicht zu Ihrer Sitzung. Bitte erneut versuchen.",
		"record.invalid_payload": "Die übermittelte Antwort konnte nicht gelesen werden. Bitte erneut versuchen.",
	},
}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := translations["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}
