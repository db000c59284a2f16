// Package payload разбирает содержимое отсканированного QR-кода в ссылку на погашаемый код.
package payload

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// MaxLength задаёт максимальную длину принимаемой строки.
const MaxLength = 2048

// Маркеры сегментов пути, за которыми следует идентификатор.
const (
	codeMarker     = "qr/"
	businessMarker = "business/"
)

// Payload описывает разобранное содержимое QR-кода. Реализуется только типами этого пакета:
// Structured, PathEmbedded и Bare.
type Payload interface {
	Reference() model.CodeReference
	isPayload()
}

// Structured описывает JSON-объект с явными полями идентификаторов.
type Structured struct {
	CodeID     string
	BusinessID string
}

// Reference возвращает ссылку на код.
func (p Structured) Reference() model.CodeReference {
	return model.CodeReference{CodeID: p.CodeID, BusinessID: p.BusinessID}
}

func (Structured) isPayload() {}

// PathEmbedded описывает идентификатор внутри URL или пути после сегмента qr/ или business/.
type PathEmbedded struct {
	CodeID     string
	BusinessID string
}

// Reference возвращает ссылку на код.
func (p PathEmbedded) Reference() model.CodeReference {
	return model.CodeReference{CodeID: p.CodeID, BusinessID: p.BusinessID}
}

func (PathEmbedded) isPayload() {}

// Bare используется, когда вся строка является идентификатором кода.
type Bare struct {
	CodeID string
}

// Reference возвращает ссылку на код.
func (p Bare) Reference() model.CodeReference {
	return model.CodeReference{CodeID: p.CodeID}
}

func (Bare) isPayload() {}

var (
	codeKeys     = []string{"qrCodeId", "id"}
	businessKeys = []string{"businessId", "business_id"}
)

// Resolve разбирает строку в порядке приоритета: JSON-объект, идентификатор в пути, голый идентификатор.
func Resolve(raw string) (Payload, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", model.ErrInvalidPayload)
	}
	if len(s) > MaxLength {
		return nil, fmt.Errorf("%w: longer than %d bytes", model.ErrInvalidPayload, MaxLength)
	}
	if !validText(s) {
		return nil, fmt.Errorf("%w: not valid text", model.ErrInvalidPayload)
	}

	p, err := resolve(s)
	if err != nil {
		return nil, err
	}
	// Экранирование в JSON и в пути может дать байты, которые хранилище не примет.
	if ref := p.Reference(); !validText(ref.CodeID) || !validText(ref.BusinessID) {
		return nil, fmt.Errorf("%w: id is not valid text", model.ErrInvalidPayload)
	}
	return p, nil
}

func resolve(s string) (Payload, error) {
	if strings.HasPrefix(s, "{") {
		if p, ok, err := resolveStructured(s); ok || err != nil {
			return p, err
		}
	}

	if p, ok, err := resolvePath(s); ok || err != nil {
		return p, err
	}

	return Bare{CodeID: s}, nil
}

func validText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// resolveStructured возвращает ok=false, если строка целиком не является JSON-объектом.
func resolveStructured(s string) (Payload, bool, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || dec.InputOffset() != int64(len(s)) {
		return nil, false, nil
	}

	codeID := firstString(obj, codeKeys)
	businessID := firstString(obj, businessKeys)
	if codeID == "" && businessID == "" {
		return nil, true, fmt.Errorf("%w: object has no code or business id", model.ErrInvalidPayload)
	}

	return Structured{CodeID: codeID, BusinessID: businessID}, true, nil
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t = strings.TrimSpace(t); t != "" {
				return t
			}
		case json.Number:
			return t.String()
		}
	}
	return ""
}

func resolvePath(s string) (Payload, bool, error) {
	codeID, codeFound, err := segmentAfter(s, codeMarker)
	if err != nil {
		return nil, true, err
	}
	businessID, businessFound, err := segmentAfter(s, businessMarker)
	if err != nil {
		return nil, true, err
	}
	if !codeFound && !businessFound {
		return nil, false, nil
	}

	return PathEmbedded{CodeID: codeID, BusinessID: businessID}, true, nil
}

// segmentAfter ищет маркер на границе сегмента и возвращает идентификатор до следующего разделителя.
func segmentAfter(s, marker string) (string, bool, error) {
	from := 0
	for {
		i := strings.Index(s[from:], marker)
		if i < 0 {
			return "", false, nil
		}
		i += from
		if i == 0 || s[i-1] == '/' {
			rest := s[i+len(marker):]
			if end := strings.IndexAny(rest, "/?#&"); end >= 0 {
				rest = rest[:end]
			}
			id, err := url.PathUnescape(rest)
			if err != nil {
				return "", true, fmt.Errorf("%w: %s", model.ErrInvalidPayload, err.Error())
			}
			id = strings.TrimSpace(id)
			if id == "" {
				return "", true, fmt.Errorf("%w: empty id after %q", model.ErrInvalidPayload, marker)
			}
			return id, true, nil
		}
		from = i + len(marker)
	}
}

// Kind возвращает название формата для логов и метрик.
func Kind(p Payload) string {
	switch p.(type) {
	case Structured:
		return "structured"
	case PathEmbedded:
		return "path"
	case Bare:
		return "bare"
	default:
		return "unknown"
	}
}
