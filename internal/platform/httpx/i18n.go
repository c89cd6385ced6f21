package httpx

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message is a translatable text keyed by a problem code.
type Message struct {
	Key        string
	English    string
	Indonesian string
}

var baseMessages = []Message{
	{Key: CodeNotFound, English: "Not found", Indonesian: "Data tidak ditemukan"},
	{Key: CodeDuplicate, English: "Duplicate", Indonesian: "Data ganda"},
	{Key: CodeValidation, English: "Validation failed", Indonesian: "Validasi gagal"},
	{Key: CodeForbidden, English: "Forbidden", Indonesian: "Akses ditolak"},
	{Key: CodeUnauthorized, English: "Unauthorized", Indonesian: "Tidak terautentikasi"},
	{Key: CodeTimeout, English: "Request timed out", Indonesian: "Permintaan melewati batas waktu"},
	{Key: CodeInternal, English: "Internal error", Indonesian: "Terjadi kesalahan internal"},
}

// Localizer picks a language from Accept-Language and renders catalog messages.
type Localizer struct {
	catalog   *catalog.Builder
	matcher   language.Matcher
	supported []language.Tag
}

// NewLocalizer creates a localizer with English and Indonesian; defaultLocale decides the fallback.
func NewLocalizer(defaultLocale string) *Localizer {
	supported := []language.Tag{language.English, language.Indonesian}
	if tag, err := language.Parse(defaultLocale); err == nil {
		if base, _ := tag.Base(); base.String() == "id" {
			supported = []language.Tag{language.Indonesian, language.English}
		}
	}
	l := &Localizer{
		catalog:   catalog.NewBuilder(catalog.Fallback(supported[0])),
		matcher:   language.NewMatcher(supported),
		supported: supported,
	}
	l.Add(baseMessages...)
	return l
}

// Add registers translations.
func (l *Localizer) Add(msgs ...Message) {
	for _, msg := range msgs {
		_ = l.catalog.SetString(language.English, msg.Key, msg.English)
		if msg.Indonesian != "" {
			_ = l.catalog.SetString(language.Indonesian, msg.Key, msg.Indonesian)
		}
	}
}

// Tag resolves the best supported language for the request.
func (l *Localizer) Tag(r *http.Request) language.Tag {
	if r == nil {
		return l.supported[0]
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return l.supported[0]
	}
	_, idx, confidence := l.matcher.Match(tags...)
	if confidence == language.No {
		return l.supported[0]
	}
	return l.supported[idx]
}

// Printer returns a printer bound to the request language.
func (l *Localizer) Printer(r *http.Request) *message.Printer {
	return message.NewPrinter(l.Tag(r), message.Catalog(l.catalog))
}

// Text renders the message registered under key; unknown keys render as the key itself.
func (l *Localizer) Text(r *http.Request, key string) string {
	return l.Printer(r).Sprintf(key)
}
