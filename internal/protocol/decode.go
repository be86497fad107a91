package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidOperation is wrapped by every Decode failure.
var ErrInvalidOperation = errors.New("invalid operation")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report json field names instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("calendar_date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(DateLayout, fl.Field().String())
		return err == nil
	})
	return v
}

// Decoded is an operation whose envelope and payload have been validated.
// Exactly one of Student and Attendance is non-nil, selected by Entity.
type Decoded struct {
	OpID            string
	Entity          EntityKind
	Action          Action
	ClientUpdatedAt time.Time

	Student    *StudentData
	Attendance *AttendanceData
}

// Verdict returns a verdict skeleton identifying d.
func (d *Decoded) Verdict() Verdict {
	return Verdict{OpID: d.OpID, Entity: d.Entity, Action: d.Action}
}

// Decode validates op and returns its typed form. The returned error wraps
// ErrInvalidOperation and its message is suitable as a rejection reason.
func (op Operation) Decode() (*Decoded, error) {
	if strings.TrimSpace(op.OpID) == "" {
		return nil, invalid("op_id is required")
	}
	if len(op.OpID) > 128 {
		return nil, invalid("op_id is too long")
	}
	switch op.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	case "":
		return nil, invalid("action is required")
	default:
		return nil, invalid("unsupported action %q", op.Action)
	}
	if op.ClientUpdatedAt == "" {
		return nil, invalid("client_updated_at is required")
	}
	ts, err := ParseTime(op.ClientUpdatedAt)
	if err != nil {
		return nil, invalid("client_updated_at is not a valid timestamp")
	}

	d := &Decoded{
		OpID:            op.OpID,
		Entity:          op.Entity,
		Action:          op.Action,
		ClientUpdatedAt: ts,
	}

	switch op.Entity {
	case EntityStudent:
		var data StudentData
		if err := decodeData(op.Data, &data); err != nil {
			return nil, err
		}
		data.Name = strings.TrimSpace(data.Name)
		if op.Action != ActionDelete && data.Name == "" {
			return nil, invalid("name is required")
		}
		d.Student = &data
	case EntityAttendance:
		var data AttendanceData
		if err := decodeData(op.Data, &data); err != nil {
			return nil, err
		}
		if op.Action != ActionDelete && data.Status == "" {
			return nil, invalid("status is required")
		}
		d.Attendance = &data
	case "":
		return nil, invalid("entity is required")
	default:
		return nil, invalid("unsupported entity %q", op.Entity)
	}
	return d, nil
}

func decodeData(raw json.RawMessage, dst interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return invalid("data is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalid("data is malformed: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			fe := vErrs[0]
			return invalid("%s fails %s validation", fe.Field(), fe.Tag())
		}
		return invalid("%v", err)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// Reason strips the ErrInvalidOperation prefix from a Decode error.
func Reason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidOperation.Error()+": ")
}

// Encode marshals a typed payload into an operation envelope.
func Encode(opID string, action Action, clientUpdatedAt time.Time, payload interface{}) (Operation, error) {
	var entity EntityKind
	switch payload.(type) {
	case StudentData, *StudentData:
		entity = EntityStudent
	case AttendanceData, *AttendanceData:
		entity = EntityAttendance
	default:
		return Operation{}, fmt.Errorf("unsupported payload type %T", payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to marshal %s payload: %w", entity, err)
	}
	return Operation{
		OpID:            opID,
		Entity:          entity,
		Action:          action,
		ClientUpdatedAt: FormatTime(clientUpdatedAt),
		Data:            data,
	}, nil
}
