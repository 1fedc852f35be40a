package wecom

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/harun/chatgate/pkg/envelope"
)

type cdata struct {
	Value string `xml:",cdata"`
}

// encrypted is the outer callback document.
type encrypted struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
	AgentID    string   `xml:"AgentID"`
}

// message is the decrypted callback document.
type message struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	Event        string   `xml:"Event"`
}

type replyMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

type replyEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

func parseEncrypted(body []byte) (encrypted, error) {
	var doc encrypted
	if err := xml.Unmarshal(body, &doc); err != nil {
		return encrypted{}, err
	}
	doc.Encrypt = strings.TrimSpace(doc.Encrypt)
	return doc, nil
}

func parseMessage(body []byte) (message, error) {
	var doc message
	if err := xml.Unmarshal(body, &doc); err != nil {
		return message{}, err
	}
	doc.MsgType = strings.ToLower(strings.TrimSpace(doc.MsgType))
	return doc, nil
}

// text renders the message body; non-text messages become "[type]".
func (m message) text() string {
	if m.MsgType == "text" {
		return m.Content
	}
	kind := m.MsgType
	if kind == "event" && m.Event != "" {
		kind = "event:" + strings.ToLower(m.Event)
	}
	if kind == "" {
		kind = "unknown"
	}
	return "[" + kind + "]"
}

// id is MsgId, or sender plus create time for messages without one.
func (m message) id() string {
	if m.MsgID != "" {
		return m.MsgID
	}
	if m.FromUserName == "" || m.CreateTime == 0 {
		return ""
	}
	return m.FromUserName + "-" + strconv.FormatInt(m.CreateTime, 10)
}

func (m message) receivedAt(fallback time.Time) time.Time {
	if m.CreateTime > 0 {
		return time.Unix(m.CreateTime, 0)
	}
	return fallback
}

func buildReply(to, from, text string, now time.Time) ([]byte, error) {
	return xml.Marshal(replyMessage{
		ToUserName:   cdata{to},
		FromUserName: cdata{from},
		CreateTime:   now.Unix(),
		MsgType:      cdata{"text"},
		Content:      cdata{text},
	})
}

func buildEnvelope(s envelope.Sealed) ([]byte, error) {
	return xml.Marshal(replyEnvelope{
		Encrypt:      cdata{s.Encrypt},
		MsgSignature: cdata{s.Signature},
		TimeStamp:    s.Timestamp,
		Nonce:        cdata{s.Nonce},
	})
}
