// Package htmlform extracts a normalized model of the forms in an HTML page:
// method, absolute action URL, input fields and submit buttons. It exists so
// login handlers can fill and submit whatever form a remote identity
// provider happens to serve without knowing its field names in advance.
package htmlform

import (
	"bytes"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Kind classifies an input field.
type Kind string

const (
	KindText     Kind = "text"
	KindPassword Kind = "password"
	KindHidden   Kind = "hidden"
	KindRadio    Kind = "radio"
	KindCheckbox Kind = "checkbox"
	KindSubmit   Kind = "submit"
	KindOther    Kind = "other"
)

// Field is one named input. Duplicate names in a form collapse into a single
// Field whose Values holds every value in document order, except radio
// groups, where only the checked option's value is kept.
type Field struct {
	Name   string
	Kind   Kind
	Values []string
}

// Submit is a submit-type input or button. Submits are modeled apart from
// ordinary fields: a submit's name enters submitted data only when the
// payload builder explicitly selects it.
type Submit struct {
	Name  string
	Value string
}

// Form is the normalized model of one HTML form.
type Form struct {
	// Name is the form's name attribute, falling back to its id.
	Name string
	// Method is upper-case, defaulting to GET.
	Method string
	// Action is absolute, resolved against the page URL.
	Action *url.URL

	Submits []Submit

	fields map[string]*Field
	names  []string // field insertion order
}

// Parse extracts every form in the document. Field action URLs resolve
// against base, normally the page's final URL.
func Parse(body []byte, base *url.URL) ([]*Form, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var forms []*Form
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			forms = append(forms, extractForm(n, base))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return forms, nil
}

// First returns the first form in the document, or nil when the page has
// none.
func First(body []byte, base *url.URL) (*Form, error) {
	forms, err := Parse(body, base)
	if err != nil {
		return nil, err
	}
	if len(forms) == 0 {
		return nil, nil
	}
	return forms[0], nil
}

func extractForm(n *html.Node, base *url.URL) *Form {
	form := &Form{
		Method: "GET",
		Action: base,
		fields: make(map[string]*Field),
	}
	form.Name = attr(n, "name")
	if form.Name == "" {
		form.Name = attr(n, "id")
	}
	if m := attr(n, "method"); m != "" {
		form.Method = strings.ToUpper(m)
	}
	if a := attr(n, "action"); a != "" {
		if ref, err := url.Parse(a); err == nil {
			form.Action = base.ResolveReference(ref)
		}
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				form.addInput(n)
			case "button":
				if t := attr(n, "type"); t == "" || strings.EqualFold(t, "submit") {
					form.Submits = append(form.Submits, Submit{
						Name:  attr(n, "name"),
						Value: attr(n, "value"),
					})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return form
}

func (f *Form) addInput(n *html.Node) {
	name := attr(n, "name")
	value := attr(n, "value")
	kind := inputKind(attr(n, "type"))
	checked := hasAttr(n, "checked")

	if kind == KindSubmit {
		f.Submits = append(f.Submits, Submit{Name: name, Value: value})
		return
	}
	if name == "" {
		return
	}
	switch kind {
	case KindRadio:
		// Only the checked option of a radio group contributes a value.
		field := f.field(name, kind)
		if checked {
			field.Values = []string{value}
		}
	case KindCheckbox:
		if !checked {
			// Unchecked boxes are not submitted; still record the
			// field so its name shows up in the form's field set.
			f.field(name, kind)
			return
		}
		if value == "" {
			value = "on"
		}
		f.field(name, kind).Values = append(f.field(name, kind).Values, value)
	default:
		f.field(name, kind).Values = append(f.field(name, kind).Values, value)
	}
}

func (f *Form) field(name string, kind Kind) *Field {
	if existing, ok := f.fields[name]; ok {
		return existing
	}
	field := &Field{Name: name, Kind: kind}
	f.fields[name] = field
	f.names = append(f.names, name)
	return field
}

// Field looks up a field by exact name.
func (f *Form) Field(name string) (*Field, bool) {
	field, ok := f.fields[name]
	return field, ok
}

// FieldNames returns the form's field names sorted.
func (f *Form) FieldNames() []string {
	names := make([]string, len(f.names))
	copy(names, f.names)
	sort.Strings(names)
	return names
}

// FieldNameSet returns the form's field names as a set, the shape the loop
// detection ledger keys on.
func (f *Form) FieldNameSet() map[string]bool {
	set := make(map[string]bool, len(f.names))
	for _, name := range f.names {
		set[name] = true
	}
	return set
}

// Payload builds the values to submit. Every field starts from its default
// values; a field whose name matches a substitution key case-insensitively
// takes the substituted value instead. Named submit buttons that read as the
// affirmative path are included with an empty value so the form follows
// "proceed" rather than "cancel".
func (f *Form) Payload(subs map[string]string) url.Values {
	folded := make(map[string]string, len(subs))
	for k, v := range subs {
		folded[strings.ToLower(k)] = v
	}
	vals := url.Values{}
	for _, name := range f.names {
		if sub, ok := folded[strings.ToLower(name)]; ok {
			vals.Set(name, sub)
			continue
		}
		for _, v := range f.fields[name].Values {
			vals.Add(name, v)
		}
	}
	for _, s := range f.Submits {
		if s.Name == "" {
			continue
		}
		if affirmative(s) {
			vals.Set(s.Name, "")
		}
	}
	return vals
}

// negativeWords mark submit buttons that abandon the flow.
var negativeWords = map[string]bool{
	"cancel":  true,
	"abort":   true,
	"back":    true,
	"reset":   true,
	"decline": true,
	"reject":  true,
	"no":      true,
}

func affirmative(s Submit) bool {
	words := strings.FieldsFunc(strings.ToLower(s.Name+" "+s.Value), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	for _, w := range words {
		if negativeWords[w] {
			return false
		}
	}
	return true
}

func inputKind(t string) Kind {
	switch strings.ToLower(t) {
	case "", "text", "email", "tel", "url", "search":
		return KindText
	case "password":
		return KindPassword
	case "hidden":
		return KindHidden
	case "radio":
		return KindRadio
	case "checkbox":
		return KindCheckbox
	case "submit", "image":
		return KindSubmit
	default:
		return KindOther
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
