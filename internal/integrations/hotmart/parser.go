// Package hotmart turns loosely structured payment webhook payloads into
// domain.ProviderEvent values.
//
// The provider's payload shape differs between API versions and event types,
// so Parse tries a fixed sequence of named strategies. Each strategy is a JSON
// Schema requiring one event path and one email path. Strategies cover every
// pairing, event paths first, so the event and the email each resolve to the
// first path present. The first strategy whose schema validates wins.
//
// Form-encoded postbacks are decoded into the same document shape first,
// with bracket keys such as buyer[email] becoming nested objects.
package hotmart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"caramelo-gateway/internal/domain"
)

// Result is either Match or Unrecognized.
type Result interface {
	isResult()
}

// Match is a payload that one of the strategies understood.
type Match struct {
	Strategy string
	Event    domain.ProviderEvent
}

// Unrecognized is a payload no strategy could read.
type Unrecognized struct {
	Reason string
}

func (Match) isResult()        {}
func (Unrecognized) isResult() {}

const (
	ReasonEmptyBody     = "empty_body"
	ReasonMalformedJSON = "malformed_json"
	ReasonMalformedForm = "malformed_form"
	ReasonNoStrategy    = "no_strategy_matched"
)

type strategy struct {
	name      string
	schema    *gojsonschema.Schema
	eventPath []string
	emailPath []string
}

// Paths in precedence order.
var (
	eventPaths = [][]string{
		{"event"},
		{"status"},
		{"event_name"},
		{"data", "status"},
	}
	emailPaths = [][]string{
		{"data", "buyer", "email"},
		{"data", "checkout_email"},
		{"buyer", "email"},
	}
)

var strategies = buildStrategies()

func buildStrategies() []strategy {
	out := make([]strategy, 0, len(eventPaths)*len(emailPaths))
	for _, ev := range eventPaths {
		for _, em := range emailPaths {
			out = append(out, newStrategy(strings.Join(ev, ".")+"/"+strings.Join(em, "."), ev, em))
		}
	}
	return out
}

func newStrategy(name string, eventPath, emailPath []string) strategy {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(requirePaths(eventPath, emailPath)))
	if err != nil {
		panic(fmt.Sprintf("hotmart: compile schema %s: %v", name, err))
	}
	return strategy{name: name, schema: schema, eventPath: eventPath, emailPath: emailPath}
}

// requirePaths builds a schema requiring every path to end in a non-blank string.
func requirePaths(paths ...[]string) map[string]any {
	root := map[string]any{"type": "object"}
	for _, path := range paths {
		node := root
		for i, key := range path {
			props, _ := node["properties"].(map[string]any)
			if props == nil {
				props = map[string]any{}
				node["properties"] = props
			}
			req, _ := node["required"].([]any)
			node["required"] = appendUnique(req, key)

			child, _ := props[key].(map[string]any)
			if child == nil {
				child = map[string]any{}
				props[key] = child
			}
			if i == len(path)-1 {
				child["type"] = "string"
				child["pattern"] = `\S`
			} else {
				child["type"] = "object"
			}
			node = child
		}
	}
	return root
}

func appendUnique(list []any, key string) []any {
	for _, v := range list {
		if v == key {
			return list
		}
	}
	return append(list, key)
}

// ParseContent dispatches on the request content type. Form-encoded bodies
// go through ParseForm; everything else is read as JSON.
func ParseContent(contentType string, body []byte) Result {
	if media, _, err := mime.ParseMediaType(contentType); err == nil && media == "application/x-www-form-urlencoded" {
		return ParseForm(body)
	}
	return Parse(body)
}

// Parse extracts a provider event from a JSON body. It never returns an
// error: anything it cannot read is reported as Unrecognized.
func Parse(body []byte) Result {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Unrecognized{Reason: ReasonEmptyBody}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Unrecognized{Reason: ReasonMalformedJSON}
	}
	return match(doc)
}

// ParseForm extracts a provider event from a form-encoded body.
func ParseForm(body []byte) Result {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Unrecognized{Reason: ReasonEmptyBody}
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Unrecognized{Reason: ReasonMalformedForm}
	}
	return match(formDocument(values))
}

func match(doc any) Result {
	loader := gojsonschema.NewGoLoader(doc)
	for _, s := range strategies {
		res, err := s.schema.Validate(loader)
		if err != nil || !res.Valid() {
			continue
		}
		name, _ := lookupString(doc, s.eventPath...)
		email, _ := lookupString(doc, s.emailPath...)
		return Match{
			Strategy: s.name,
			Event: domain.ProviderEvent{
				ID:         eventID(doc, name),
				Name:       strings.TrimSpace(name),
				Kind:       Classify(name),
				BuyerEmail: domain.NormalizeIdentifier(email),
				OccurredAt: occurredAt(doc),
			},
		}
	}
	return Unrecognized{Reason: ReasonNoStrategy}
}

// Classify maps a provider event or status name to an EventKind.
func Classify(name string) domain.EventKind {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	switch n {
	case "PURCHASE_APPROVED", "PURCHASE_COMPLETE", "APPROVED", "COMPLETE", "COMPLETED":
		return domain.EventPurchaseApproved
	case "PURCHASE_REFUNDED", "REFUNDED":
		return domain.EventRefunded
	case "PURCHASE_CANCELED", "PURCHASE_CANCELLED", "CANCELED", "CANCELLED", "SUBSCRIPTION_CANCELLATION":
		return domain.EventCanceled
	case "PURCHASE_CHARGEBACK", "CHARGEBACK", "PURCHASE_PROTEST", "DISPUTE":
		return domain.EventChargeback
	default:
		return domain.EventOther
	}
}

func eventID(doc any, name string) string {
	if id, ok := lookupString(doc, "id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if tx, ok := lookupString(doc, "data", "purchase", "transaction"); ok && strings.TrimSpace(tx) != "" {
		// Transactions repeat across lifecycle events, so qualify with the event.
		return strings.TrimSpace(tx) + ":" + strings.TrimSpace(name)
	}
	return ""
}

// occurredAt reads creation_date, sent as epoch milliseconds.
func occurredAt(doc any) time.Time {
	m, ok := doc.(map[string]any)
	if !ok {
		return time.Time{}
	}
	var raw string
	switch v := m["creation_date"].(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	default:
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func lookupString(doc any, path ...string) (string, bool) {
	cur := doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// formDocument nests bracket keys: data[buyer][email]=x becomes
// {"data":{"buyer":{"email":"x"}}}. Keys are applied in sorted order and a
// key that collides with an existing value of another shape is dropped.
func formDocument(values url.Values) map[string]any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := map[string]any{}
	for _, k := range keys {
		path, ok := splitFormKey(k)
		if !ok || len(values[k]) == 0 {
			continue
		}
		node := doc
		for _, seg := range path[:len(path)-1] {
			child, exists := node[seg]
			if !exists {
				child = map[string]any{}
				node[seg] = child
			}
			m, isMap := child.(map[string]any)
			if !isMap {
				node = nil
				break
			}
			node = m
		}
		if node == nil {
			continue
		}
		leaf := path[len(path)-1]
		if _, exists := node[leaf]; !exists {
			node[leaf] = values[k][0]
		}
	}
	return doc
}

// splitFormKey splits a[b][c] into [a b c]. Array keys such as a[] and
// unbalanced brackets are not supported.
func splitFormKey(key string) ([]string, bool) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		return []string{key}, key != ""
	}
	path := []string{key[:open]}
	rest := key[open:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end <= 1 {
			return nil, false
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	if path[0] == "" {
		return nil, false
	}
	return path, true
}
