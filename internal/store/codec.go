package store

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeField is the single encoding boundary for opaque columns.
func encodeField(v any) (datatypes.JSON, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode field: %w", err)
	}
	return datatypes.JSON(b), nil
}

// decodeField is the matching decoder for encodeField.
func decodeField(raw datatypes.JSON, dst any) error {
	if err := jsonAPI.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// emailRow is the persisted shape of an email.Record. Everything except
// the id and timestamps is stored encoded.
type emailRow struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
	HTML      datatypes.JSON `gorm:"column:html"`
	Text      datatypes.JSON `gorm:"column:text"`
	Headers   datatypes.JSON `gorm:"column:headers"`
	Subject   datatypes.JSON `gorm:"column:subject"`
	MessageID datatypes.JSON `gorm:"column:messageId"`
	Priority  datatypes.JSON `gorm:"column:priority"`
	From      datatypes.JSON `gorm:"column:from"`
	To        datatypes.JSON `gorm:"column:to"`
}

func (emailRow) TableName() string { return tableName }

func newRow(rec *email.Record) (*emailRow, error) {
	row := &emailRow{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	fields := []struct {
		dst *datatypes.JSON
		v   any
	}{
		{&row.HTML, rec.HTML},
		{&row.Text, rec.Text},
		{&row.Headers, rec.Headers},
		{&row.Subject, rec.Subject},
		{&row.MessageID, rec.MessageID},
		{&row.Priority, rec.Priority},
		{&row.From, rec.From},
		{&row.To, rec.To},
	}
	for _, f := range fields {
		raw, err := encodeField(f.v)
		if err != nil {
			return nil, err
		}
		*f.dst = raw
	}

	return row, nil
}

func (r *emailRow) record() (*email.Record, error) {
	rec := &email.Record{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	fields := []struct {
		raw datatypes.JSON
		dst any
	}{
		{r.HTML, &rec.HTML},
		{r.Text, &rec.Text},
		{r.Headers, &rec.Headers},
		{r.Subject, &rec.Subject},
		{r.MessageID, &rec.MessageID},
		{r.Priority, &rec.Priority},
		{r.From, &rec.From},
		{r.To, &rec.To},
	}
	for _, f := range fields {
		if err := decodeField(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("record %d: %w", r.ID, err)
		}
	}

	return rec, nil
}
