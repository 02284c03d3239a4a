// Package as1 models ActivityStreams 1.0 objects, the internal wire shape
// for social activities and responses.
//
// Objects are JSON maps rather than rigid structs: silo payloads are
// heterogeneous and must round-trip verbatim, so accessors pull out the
// handful of fields the pipeline cares about.
package as1

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Object is a decoded AS1 activity or object.
type Object map[string]any

// Decode parses a JSON document into an Object.
func Decode(data []byte) (Object, error) {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode as1 object: %w", err)
	}
	return obj, nil
}

// DecodeString parses a JSON string into an Object.
func DecodeString(s string) (Object, error) {
	return Decode([]byte(s))
}

// DecodeList parses a JSON array of objects.
func DecodeList(data []byte) ([]Object, error) {
	var list []Object
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode as1 list: %w", err)
	}
	return list, nil
}

// Encode marshals the object back to JSON.
func (o Object) Encode() string {
	data, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Clone returns a deep copy.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	clone, err := DecodeString(o.Encode())
	if err != nil {
		return Object{}
	}
	return clone
}

// String returns the named field as a string, or "".
func (o Object) String(field string) string {
	if o == nil {
		return ""
	}
	s, _ := o[field].(string)
	return s
}

// ID returns the object's id.
func (o Object) ID() string { return o.String("id") }

// URL returns the object's url field, falling back to the inner object's.
func (o Object) URL() string {
	if u := o.String("url"); u != "" {
		return u
	}
	return o.Object("object").String("url")
}

// Object returns the named field as a nested Object, or nil.
func (o Object) Object(field string) Object {
	if o == nil {
		return nil
	}
	switch v := o[field].(type) {
	case map[string]any:
		return Object(v)
	case Object:
		return v
	}
	return nil
}

// List returns the named field as a list of Objects. A single object value
// is returned as a one-element list.
func (o Object) List(field string) []Object {
	if o == nil {
		return nil
	}
	switch v := o[field].(type) {
	case []any:
		out := make([]Object, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, Object(m))
			}
		}
		return out
	case map[string]any:
		return []Object{Object(v)}
	case Object:
		return []Object{v}
	}
	return nil
}

// Strings returns the named field as a list of strings, accepting either a
// single string or a list.
func (o Object) Strings(field string) []string {
	if o == nil {
		return nil
	}
	switch v := o[field].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Inner returns the wrapped object for an activity, or the object itself.
func (o Object) Inner() Object {
	if inner := o.Object("object"); inner != nil {
		return inner
	}
	return o
}

// Author returns the object's author or actor.
func (o Object) Author() Object {
	if a := o.Object("author"); a != nil {
		return a
	}
	return o.Object("actor")
}

// AuthorID returns the author's or actor's id, checking the inner object as
// a fallback.
func (o Object) AuthorID() string {
	if a := o.Author(); a != nil {
		return a.ID()
	}
	if inner := o.Object("object"); inner != nil {
		if a := inner.Author(); a != nil {
			return a.ID()
		}
	}
	return ""
}

// Tags returns the object's tags, from the inner object when wrapped.
func (o Object) Tags() []Object { return o.Inner().List("tags") }

// Replies returns the reply items embedded on the activity.
func (o Object) Replies() []Object {
	return o.Inner().Object("replies").List("items")
}

// Attachments returns the inner object's attachments.
func (o Object) Attachments() []Object { return o.Inner().List("attachments") }

var rsvpVerbs = map[string]bool{
	"rsvp-yes":        true,
	"rsvp-no":         true,
	"rsvp-maybe":      true,
	"rsvp-interested": true,
	"invite":          true,
}

var verbTypes = map[string]bool{
	"post":    true,
	"comment": true,
	"like":    true,
	"react":   true,
	"repost":  true,
	"rsvp":    true,
}

// GetType derives the response type for an AS1 object.
//
// Share activities are reposts, RSVP verbs are rsvps, anything with an
// inReplyTo (directly or on its object or context) is a comment; otherwise
// the verb when it is a known type, else post.
func GetType(obj Object) string {
	objectType := obj.String("objectType")
	verb := obj.String("verb")

	switch {
	case objectType == "activity" && verb == "share":
		return "repost"
	case rsvpVerbs[verb]:
		return "rsvp"
	case objectType == "comment" || hasInReplyTo(obj):
		return "comment"
	case verbTypes[verb]:
		return verb
	default:
		return "post"
	}
}

func hasInReplyTo(obj Object) bool {
	if len(obj.List("inReplyTo")) > 0 || len(obj.Strings("inReplyTo")) > 0 {
		return true
	}
	for _, nested := range append(obj.List("object"), obj.List("context")...) {
		if len(nested.List("inReplyTo")) > 0 || len(nested.Strings("inReplyTo")) > 0 {
			return true
		}
	}
	return false
}

// IsPublic reports whether the object is public. Objects with no audience
// are public by default; an explicit @private or @unlisted alias makes them
// non-public.
func IsPublic(obj Object) bool {
	for _, o := range []Object{obj, obj.Object("object")} {
		if o == nil {
			continue
		}
		for _, to := range o.List("to") {
			alias := to.String("alias")
			objectType := to.String("objectType")
			if alias == "@public" {
				return true
			}
			if alias == "@private" || alias == "@unlisted" {
				return false
			}
			if objectType == "group" && alias != "" && alias != "@public" {
				return false
			}
		}
	}
	return true
}

var whitespace = regexp.MustCompile(`\s+`)

func normalizeContent(s string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
}

// ActivityChanged reports whether a response's meaningful content differs
// between two snapshots: normalized content, url, authorship, and RSVP verb.
// Whitespace and bridge-internal bookkeeping fields are ignored.
func ActivityChanged(old, new Object) bool {
	if old == nil || new == nil {
		return old != nil || new != nil
	}
	oldInner, newInner := old.Inner(), new.Inner()
	if normalizeContent(oldInner.String("content")) != normalizeContent(newInner.String("content")) {
		return true
	}
	if oldInner.String("url") != newInner.String("url") {
		return true
	}
	if old.AuthorID() != new.AuthorID() {
		return true
	}
	if old.String("verb") != new.String("verb") {
		return true
	}
	return false
}

// AppendInReplyTo merges the source object's inReplyTo entries into dest's,
// in place, deduping by id and url.
func AppendInReplyTo(src, dest Object) {
	srcReplies := src.List("inReplyTo")
	if len(srcReplies) == 0 {
		return
	}
	merged := dest.List("inReplyTo")
	seen := make(map[string]struct{})
	for _, r := range merged {
		seen[r.ID()+" "+r.String("url")] = struct{}{}
	}
	for _, r := range srcReplies {
		key := r.ID() + " " + r.String("url")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, r)
	}
	out := make([]any, len(merged))
	for i, r := range merged {
		out[i] = map[string]any(r)
	}
	dest["inReplyTo"] = out
}

var tagURIRe = regexp.MustCompile(`^tag:([^,]+?)(?:,(\d+))?:(.+)$`)

// ParseTagURI splits a tag URI into its domain and id parts.
func ParseTagURI(uri string) (domain, id string, ok bool) {
	m := tagURIRe.FindStringSubmatch(uri)
	if m == nil {
		return "", "", false
	}
	return m[1], m[3], true
}

// TagURI builds a tag URI for the given domain and id.
func TagURI(domain, id string) string {
	return fmt.Sprintf("tag:%s,2013:%s", domain, id)
}

// PruneActivity trims an activity down to id, url, content, and object,
// recursively, dropping fields the object duplicates from its wrapper. The
// audience is kept only for non-public activities.
func PruneActivity(activity Object) Object {
	keep := []string{"id", "url", "content"}
	if !IsPublic(activity) {
		keep = append(keep, "to")
	}
	pruned := Object{}
	for _, f := range keep {
		if v, ok := activity[f]; ok && v != nil {
			pruned[f] = v
		}
	}
	if obj := activity.Object("object"); obj != nil {
		inner := PruneActivity(obj)
		for k, v := range inner {
			if outer, ok := pruned[k]; ok && fmt.Sprint(outer) == fmt.Sprint(v) {
				delete(inner, k)
			}
		}
		if len(inner) > 0 {
			pruned["object"] = map[string]any(inner)
		}
	}
	return pruned
}

// PruneResponse removes bridge bookkeeping and embedded collections from a
// response snapshot before it is cached or persisted.
func PruneResponse(resp Object) Object {
	drop := map[string]bool{
		"activity": true, "activities": true, "mentions": true,
		"originals": true, "replies": true, "tags": true,
	}
	pruned := Object{}
	for k, v := range resp {
		if drop[k] || v == nil {
			continue
		}
		pruned[k] = v
	}
	if obj := pruned.Object("object"); obj != nil {
		pruned["object"] = map[string]any(PruneResponse(obj))
	}
	return pruned
}
