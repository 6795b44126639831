package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeserialization はペイロードをエンベロープとして解釈できなかったことを表す。
	// 以下の個別エラーはすべてこのエラーをラップする。
	ErrDeserialization = errors.New("イベントのデシリアライズに失敗")
	// ErrMalformedPayload はペイロードがJSONとして不正であることを表す。
	ErrMalformedPayload = fmt.Errorf("%w: JSONが不正です", ErrDeserialization)
	// ErrUnknownEventType は未知のイベント種別であることを表す。
	ErrUnknownEventType = fmt.Errorf("%w: 未知のイベント種別です", ErrDeserialization)
	// ErrMissingField は必須フィールドが欠けていることを表す。
	ErrMissingField = fmt.Errorf("%w: 必須フィールドがありません", ErrDeserialization)
	// ErrUnsupportedVersion は解釈できないスキーマバージョンであることを表す。
	ErrUnsupportedVersion = fmt.Errorf("%w: 未対応のスキーマバージョンです", ErrDeserialization)
)

// New は新しいエンベロープを生成する。
// イベントIDと発生日時はここで採番し、生成後に必須フィールドを検証する。
func New(eventType Type, subjectUserID, contextID, message string) (Envelope, error) {
	env := Envelope{
		EventID:       uuid.New().String(),
		SchemaVersion: CurrentSchemaVersion,
		EventType:     eventType,
		SubjectUserID: subjectUserID,
		ContextID:     contextID,
		Message:       message,
		OccurredAt:    time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate はエンベロープの必須フィールドとイベント種別を検証する。
func (e Envelope) Validate() error {
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if e.SchemaVersion < 0 || e.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.SchemaVersion)
	}

	var missing []string
	if strings.TrimSpace(e.SubjectUserID) == "" {
		missing = append(missing, "subjectUserId")
	}
	if strings.TrimSpace(e.ContextID) == "" {
		missing = append(missing, "contextId")
	}
	if strings.TrimSpace(e.Message) == "" {
		missing = append(missing, "message")
	}
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurredAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

// Encode はエンベロープを検証した上でJSONにシリアライズする。
func Encode(e Envelope) ([]byte, error) {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = CurrentSchemaVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("エンベロープのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// Decode はJSONペイロードをエンベロープにデシリアライズする。
// 失敗した場合のエラーは必ずErrDeserializationをラップする。
// 未知のフィールドは前方互換のため無視する。
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = CurrentSchemaVersion
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
