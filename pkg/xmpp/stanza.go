// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"encoding/xml"
	"slices"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/aiku/atl-bridge/pkg/format"
)

// Namespaces of the extensions the component speaks.
const (
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSDelay      = "urn:xmpp:delay"
	NSSID        = "urn:xmpp:sid:0"
	NSCorrect    = "urn:xmpp:message-correct:0"
	NSReply      = "urn:xmpp:reply:0"
	NSReference  = "urn:xmpp:reference:0"
	NSFallback   = "urn:xmpp:fallback:0"
	NSSpoiler    = "urn:xmpp:spoiler:0"
	NSRetract    = "urn:xmpp:message-retract:1"
	NSRetractOld = "urn:xmpp:message-retract:0"
	NSFasten     = "urn:xmpp:fasten:0"
	NSReactions  = "urn:xmpp:reactions:0"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSHints      = "urn:xmpp:hints"
	NSOOB        = "jabber:x:oob"
	NSUpload     = "urn:xmpp:http:upload:0"
	NSStanzas    = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

const retractFallbackBody = "This person attempted to retract a previous message, but it's unsupported by your client."

type empty struct{}

type idElem struct {
	ID string `xml:"id,attr"`
}

type stanzaIDElem struct {
	ID string `xml:"id,attr"`
	By string `xml:"by,attr"`
}

type delayElem struct {
	Stamp string `xml:"stamp,attr"`
}

type replyElem struct {
	To string `xml:"to,attr"`
	ID string `xml:"id,attr"`
}

type referenceElem struct {
	Type string `xml:"type,attr"`
	URI  string `xml:"uri,attr"`
}

type fallbackRange struct {
	Start *int `xml:"start,attr"`
	End   *int `xml:"end,attr"`
}

type fallbackElem struct {
	For    string          `xml:"for,attr"`
	Bodies []fallbackRange `xml:"body"`
}

type applyToElem struct {
	ID      string `xml:"id,attr"`
	Retract *empty `xml:"urn:xmpp:message-retract:0 retract"`
}

type reactionsElem struct {
	ID        string   `xml:"id,attr"`
	Reactions []string `xml:"reaction"`
}

// inMessage is a received message stanza with the extensions we read.
type inMessage struct {
	XMLName   xml.Name       `xml:"message"`
	ID        string         `xml:"id,attr"`
	From      string         `xml:"from,attr"`
	To        string         `xml:"to,attr"`
	Type      string         `xml:"type,attr"`
	Body      string         `xml:"body"`
	Delay     *delayElem     `xml:"urn:xmpp:delay delay"`
	StanzaIDs []stanzaIDElem `xml:"urn:xmpp:sid:0 stanza-id"`
	OriginID  *idElem        `xml:"urn:xmpp:sid:0 origin-id"`
	Replace   *idElem        `xml:"urn:xmpp:message-correct:0 replace"`
	Reply     *replyElem     `xml:"urn:xmpp:reply:0 reply"`
	Reference *referenceElem `xml:"urn:xmpp:reference:0 reference"`
	Fallbacks []fallbackElem `xml:"urn:xmpp:fallback:0 fallback"`
	Spoiler   *empty         `xml:"urn:xmpp:spoiler:0 spoiler"`
	Retract   *idElem        `xml:"urn:xmpp:message-retract:1 retract"`
	ApplyTo   *applyToElem   `xml:"urn:xmpp:fasten:0 apply-to"`
	Reactions *reactionsElem `xml:"urn:xmpp:reactions:0 reactions"`
	Composing *empty         `xml:"http://jabber.org/protocol/chatstates composing"`
	OOB       *oobElem       `xml:"jabber:x:oob x"`
}

type oobElem struct {
	URL string `xml:"url"`
}

// stanzaID returns the stanza-id assigned by room, else the first one.
func (m *inMessage) stanzaID(room string) string {
	for _, sid := range m.StanzaIDs {
		if sid.ID != "" && strings.EqualFold(sid.By, room) {
			return sid.ID
		}
	}
	for _, sid := range m.StanzaIDs {
		if sid.ID != "" {
			return sid.ID
		}
	}
	return ""
}

func (m *inMessage) originID() string {
	if m.OriginID == nil {
		return ""
	}
	return m.OriginID.ID
}

// ids returns the id other clients refer to the message by and the other
// ids it is known under.
func (m *inMessage) ids(room string) (primary string, aliases []string) {
	candidates := []string{m.stanzaID(room), m.originID(), m.ID}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		if primary == "" {
			primary = id
			continue
		}
		if id != primary && !slices.Contains(aliases, id) {
			aliases = append(aliases, id)
		}
	}
	return primary, aliases
}

// delayedBefore reports whether the message carries a delay stamp older than
// cutoff. Unparsable stamps count as old.
func (m *inMessage) delayedBefore(cutoff time.Time) bool {
	if m.Delay == nil {
		return false
	}
	stamp, err := time.Parse(time.RFC3339Nano, m.Delay.Stamp)
	if err != nil {
		return true
	}
	return stamp.Before(cutoff)
}

// replyTo returns the id the message replies to: XEP-0461 first, then a
// XEP-0372 reply reference.
func (m *inMessage) replyTo() string {
	if m.Reply != nil && m.Reply.ID != "" {
		return m.Reply.ID
	}
	if m.Reference != nil && m.Reference.Type == "reply" {
		if _, id, ok := strings.Cut(m.Reference.URI, "?id="); ok {
			return id
		}
	}
	return ""
}

// retracts returns the id of the message a retraction targets.
func (m *inMessage) retracts() string {
	if m.Retract != nil {
		return m.Retract.ID
	}
	if m.ApplyTo != nil && m.ApplyTo.Retract != nil {
		return m.ApplyTo.ID
	}
	return ""
}

// replyBody removes the quoted reply fallback from the body. Ranges marked
// by XEP-0428 are cut by code point; without them quote lines are dropped.
func (m *inMessage) replyBody() string {
	runes := []rune(m.Body)
	type span struct{ start, end int }
	var spans []span
	for _, fb := range m.Fallbacks {
		if fb.For != NSReply {
			continue
		}
		for _, b := range fb.Bodies {
			if b.Start == nil || b.End == nil {
				continue
			}
			start, end := max(*b.Start, 0), min(*b.End, len(runes))
			if start < end {
				spans = append(spans, span{start, end})
			}
		}
	}
	if len(spans) == 0 {
		return format.StripReplyFallback(m.Body)
	}
	slices.SortFunc(spans, func(a, b span) int { return b.start - a.start })
	for _, s := range spans {
		runes = append(runes[:s.start:s.start], runes[s.end:]...)
	}
	return strings.TrimSpace(string(runes))
}

type mucItem struct {
	JID  string `xml:"jid,attr"`
	Nick string `xml:"nick,attr"`
	Role string `xml:"role,attr"`
}

type mucStatus struct {
	Code string `xml:"code,attr"`
}

type mucUserElem struct {
	Items    []mucItem   `xml:"item"`
	Statuses []mucStatus `xml:"status"`
}

type anyElem struct {
	XMLName xml.Name
}

type stanzaErrorElem struct {
	Type       string    `xml:"type,attr"`
	Conditions []anyElem `xml:",any"`
}

// Condition returns the defined condition, e.g. "conflict".
func (e *stanzaErrorElem) Condition() string {
	for _, c := range e.Conditions {
		if c.XMLName.Space == NSStanzas && c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return "undefined-condition"
}

// inPresence is a received presence stanza.
type inPresence struct {
	XMLName xml.Name         `xml:"presence"`
	ID      string           `xml:"id,attr"`
	From    string           `xml:"from,attr"`
	To      string           `xml:"to,attr"`
	Type    string           `xml:"type,attr"`
	Error   *stanzaErrorElem `xml:"error"`
	MUCUser *mucUserElem     `xml:"http://jabber.org/protocol/muc#user x"`
}

func (p *inPresence) realJID() string {
	if p.MUCUser == nil {
		return ""
	}
	for _, item := range p.MUCUser.Items {
		if item.JID != "" {
			return item.JID
		}
	}
	return ""
}

type slotHeader struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type slotElem struct {
	Put struct {
		URL     string       `xml:"url,attr"`
		Headers []slotHeader `xml:"header"`
	} `xml:"put"`
	Get struct {
		URL string `xml:"url,attr"`
	} `xml:"get"`
}

// slotIQ is the response to an upload slot request.
type slotIQ struct {
	XMLName xml.Name         `xml:"iq"`
	ID      string           `xml:"id,attr"`
	Type    string           `xml:"type,attr"`
	Slot    *slotElem        `xml:"urn:xmpp:http:upload:0 slot"`
	Error   *stanzaErrorElem `xml:"error"`
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func emptyElem(space, local string, attrs ...xml.Attr) xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: space, Local: local}, Attr: attrs})
}

func textElem(space, local, text string, attrs ...xml.Attr) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(text)),
		xml.StartElement{Name: xml.Name{Space: space, Local: local}, Attr: attrs},
	)
}

// outMessage describes a groupchat message sent on behalf of an occupant.
type outMessage struct {
	ID   string
	From jid.JID
	To   jid.JID

	Body    string
	Spoiler bool
	OOBURL  string

	// Replace is the id a correction replaces.
	Replace string
	// ReplyTo is the id a reply points at; ReplyJID the room.
	ReplyTo  string
	ReplyJID jid.JID

	Retract string

	// Reactions is non-nil for a reaction update; an empty set removes
	// every reaction of the occupant.
	Reactions   []string
	ReactionsTo string
}

func (m outMessage) TokenReader() xml.TokenReader {
	var payload []xml.TokenReader
	if m.Body != "" {
		payload = append(payload, textElem("", "body", m.Body))
	}
	if m.Spoiler {
		payload = append(payload, emptyElem(NSSpoiler, "spoiler"))
	}
	if m.Replace != "" {
		payload = append(payload, emptyElem(NSCorrect, "replace", attr("id", m.Replace)))
	}
	if m.ReplyTo != "" {
		payload = append(payload,
			emptyElem(NSReply, "reply", attr("to", m.ReplyJID.String()), attr("id", m.ReplyTo)),
			emptyElem(NSReference, "reference",
				attr("type", "reply"),
				attr("uri", "xmpp:"+m.ReplyJID.Bare().String()+"?id="+m.ReplyTo)),
		)
	}
	if m.OOBURL != "" {
		payload = append(payload, xmlstream.Wrap(
			textElem("", "url", m.OOBURL),
			xml.StartElement{Name: xml.Name{Space: NSOOB, Local: "x"}},
		))
	}
	if m.Retract != "" {
		payload = append(payload,
			emptyElem(NSRetract, "retract", attr("id", m.Retract)),
			emptyElem(NSFallback, "fallback", attr("for", NSRetract)),
			textElem("", "body", retractFallbackBody),
			emptyElem(NSHints, "store"),
		)
	}
	if m.Reactions != nil {
		var set []xml.TokenReader
		for _, r := range m.Reactions {
			set = append(set, textElem("", "reaction", r))
		}
		payload = append(payload,
			xmlstream.Wrap(xmlstream.MultiReader(set...), xml.StartElement{
				Name: xml.Name{Space: NSReactions, Local: "reactions"},
				Attr: []xml.Attr{attr("id", m.ReactionsTo)},
			}),
			emptyElem(NSHints, "store"),
		)
	}
	if m.ID != "" {
		payload = append(payload, emptyElem(NSSID, "origin-id", attr("id", m.ID)))
	}
	return stanza.Message{
		ID:   m.ID,
		To:   m.To,
		From: m.From,
		Type: stanza.GroupChatMessage,
	}.Wrap(xmlstream.MultiReader(payload...))
}

// joinPresence enters room as occupant without requesting history.
func joinPresence(from, occupant jid.JID) xml.TokenReader {
	return stanza.Presence{From: from, To: occupant}.Wrap(
		xmlstream.Wrap(
			emptyElem("", "history", attr("maxchars", "0")),
			xml.StartElement{Name: xml.Name{Space: NSMUC, Local: "x"}},
		),
	)
}

// leavePresence leaves room.
func leavePresence(from, occupant jid.JID) xml.TokenReader {
	return stanza.Presence{From: from, To: occupant, Type: stanza.UnavailablePresence}.Wrap(nil)
}

// slotRequest asks service for an upload slot.
func slotRequest(id string, from, service jid.JID, filename string, size int, contentType string) xml.TokenReader {
	return stanza.IQ{ID: id, From: from, To: service, Type: stanza.GetIQ}.Wrap(
		emptyElem(NSUpload, "request",
			attr("filename", filename),
			attr("size", strconv.Itoa(size)),
			attr("content-type", contentType)),
	)
}
