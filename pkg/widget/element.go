// Package widget renders the declarative avatar element and keeps track of
// which sessions currently have a widget mounted on the page.
package widget

import (
	"bytes"
	"html/template"
	"strconv"

	"github.com/aretw0/parley/pkg/domain"
)

// TagName is the custom element registered by the third-party widget script.
const TagName = "simli-widget"

var elementTemplate = template.Must(template.New("element").Parse(
	`<simli-widget token="{{.Token}}" agentid="{{.AgentID}}" position="{{.Position}}" eventname="{{.EventName}}" customtext="{{.CustomText}}"` +
		`{{if .CustomImage}} customimage="{{.CustomImage}}"{{end}} disabletts="{{.DisableTTS}}"></simli-widget>`))

// Element is the mount target for one avatar. The core never interprets it.
type Element struct {
	Token       string
	AgentID     string
	Position    string
	EventName   string
	CustomText  string
	CustomImage string
	DisableTTS  string
}

// NewElement maps session parameters onto the widget's attributes.
func NewElement(p domain.SessionParams) Element {
	return Element{
		Token:       p.Token,
		AgentID:     p.AgentID,
		Position:    string(p.Position),
		EventName:   p.Channel,
		CustomText:  p.DisplayText,
		CustomImage: p.ImageURL,
		DisableTTS:  strconv.FormatBool(p.TTSDisabled),
	}
}

// Render returns the escaped HTML for the element.
func (e Element) Render() (template.HTML, error) {
	var buf bytes.Buffer
	if err := elementTemplate.Execute(&buf, e); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
