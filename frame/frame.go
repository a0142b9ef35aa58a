// Package frame defines the JSON wire frames exchanged over a chat session.
// Every frame is a single text message shaped `{"type": ..., ...fields}`.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yuki-scratch44/LineWeb/store"
)

const (
	TypeMessage  = "message"
	TypeEdit     = "edit"
	TypeRead     = "read"
	TypeTyping   = "typing"
	TypeHistory  = "history"
	TypeAck      = "ack"
	TypeError    = "error"
	TypePresence = "presence"
)

// Error codes carried in the `message` field of error frames.
const (
	CodeInvalidJSON   = "invalid_json"
	CodeUnknownType   = "unknown_type"
	CodeNotAllowed    = "not_allowed"
	CodeNotFound      = "not_found"
	CodeInternalError = "internal_error"
	CodeRateLimited   = "rate_limited"
)

var (
	ErrInvalidJSON  = errors.New("frame: invalid json")
	ErrUnknownType  = errors.New("frame: unknown type")
	ErrInvalidFrame = errors.New("frame: invalid frame")
)

// DecodeError describes why an inbound frame was refused. Type is the frame
// type when it could be read.
type DecodeError struct {
	Kind   error
	Type   string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// Code maps the error to its wire code. A frame missing required fields is reported as
// invalid_json, Detail names the fields.
func (e *DecodeError) Code() string {
	if e.Kind == ErrUnknownType {
		return CodeUnknownType
	}
	return CodeInvalidJSON
}

// Request is an inbound client frame.
type Request interface {
	Type() string
}

type MessageReq struct {
	ClientID string `json:"id" validate:"required,max=128"`
	Text     string `json:"text" validate:"required,max=4000"`
	Image    string `json:"image" validate:"max=512"`
}

type EditReq struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
	Text      string `json:"text" validate:"required,max=4000"`
}

type ReadReq struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
}

type TypingReq struct {
	Typing *bool `json:"typing" validate:"required"`
}

func (*MessageReq) Type() string { return TypeMessage }
func (*EditReq) Type() string    { return TypeEdit }
func (*ReadReq) Type() string    { return TypeRead }
func (*TypingReq) Type() string  { return TypeTyping }

type envelope struct {
	Type string `json:"type"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Kind: ErrInvalidJSON, Detail: err.Error()}
	}

	var req Request
	switch env.Type {
	case TypeMessage:
		req = &MessageReq{}
	case TypeEdit:
		req = &EditReq{}
	case TypeRead:
		req = &ReadReq{}
	case TypeTyping:
		req = &TypingReq{}
	default:
		return nil, &DecodeError{Kind: ErrUnknownType, Type: env.Type}
	}

	if err := json.Unmarshal(raw, req); err != nil {
		return nil, &DecodeError{Kind: ErrInvalidJSON, Type: env.Type, Detail: err.Error()}
	}
	if err := validate.Struct(req); err != nil {
		return nil, &DecodeError{Kind: ErrInvalidFrame, Type: env.Type, Detail: describe(err)}
	}
	return req, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// Outbound frames.

type History struct {
	Type     string           `json:"type"`
	Messages []*store.Message `json:"messages"`
}

type Posted struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message"`
}

type Ack struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id"`
}

type ReadNotice struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	User      string    `json:"user"`
	ReadAt    time.Time `json:"read_at"`
}

type TypingNotice struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Typing bool   `json:"typing"`
}

type Presence struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Online bool   `json:"online"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Req     string `json:"req,omitempty"`
}

func NewHistory(msgs []*store.Message) *History {
	if msgs == nil {
		msgs = []*store.Message{}
	}
	return &History{Type: TypeHistory, Messages: msgs}
}

func NewPosted(m *store.Message) *Posted {
	return &Posted{Type: TypeMessage, Message: m}
}

// NewEdited wraps an edited message; it shares the shape of a posted one.
func NewEdited(m *store.Message) *Posted {
	return &Posted{Type: TypeEdit, Message: m}
}

func NewAck(clientID, serverID string) *Ack {
	return &Ack{Type: TypeAck, ClientID: clientID, ServerID: serverID}
}

func NewReadNotice(r *store.ReadReceipt) *ReadNotice {
	return &ReadNotice{Type: TypeRead, MessageID: r.MessageID, User: r.Reader, ReadAt: r.ReadTime}
}

func NewTypingNotice(user string, typing bool) *TypingNotice {
	return &TypingNotice{Type: TypeTyping, User: user, Typing: typing}
}

func NewPresence(user string, online bool) *Presence {
	return &Presence{Type: TypePresence, User: user, Online: online}
}

func NewError(code, detail, req string) *Error {
	return &Error{Type: TypeError, Message: code, Detail: detail, Req: req}
}

// Encode marshals an outbound frame.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
