package dictionary

// ErrorType classifies a record-level validation failure.
type ErrorType string

// Closed set of record validation error types.
const (
	ErrMissingRequiredField  ErrorType = "MISSING_REQUIRED_FIELD"
	ErrInvalidFieldValueType ErrorType = "INVALID_FIELD_VALUE_TYPE"
	ErrInvalidByRegex        ErrorType = "INVALID_BY_REGEX"
	ErrInvalidByScript       ErrorType = "INVALID_BY_SCRIPT"
	ErrInvalidEnumValue      ErrorType = "INVALID_ENUM_VALUE"
	ErrInvalidByRange        ErrorType = "INVALID_BY_RANGE"
	ErrUnrecognizedField     ErrorType = "UNRECOGNIZED_FIELD"
)

// SchemaValidationError reports one field of one record failing a check.
// Index is the 0-based position of the record in the processed batch.
type SchemaValidationError struct {
	ErrorType ErrorType      `json:"errorType" bson:"errorType"`
	Index     int            `json:"index" bson:"index"`
	FieldName string         `json:"fieldName" bson:"fieldName"`
	Info      map[string]any `json:"info,omitempty" bson:"info,omitempty"`
	Message   string         `json:"message" bson:"message"`
}
