// Package fault はジョブ処理で扱うエラー分類を提供します。
package fault

import (
	"errors"
	"fmt"
)

// Category はエラーの分類です。
type Category string

const (
	Validation        Category = "ValidationError"
	Conflict          Category = "ConflictError"
	TransientStage    Category = "TransientStageError"
	PermanentStage    Category = "PermanentStageError"
	ResourceExhausted Category = "ResourceExhaustedError"
	FatalProcess      Category = "FatalProcessError"
)

// Error は分類・コード・メッセージを持つエラーです。
type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New は Error を作成します。
func New(category Category, code, message string, cause error) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Err:      cause,
	}
}

// Transient は再試行可能な段階エラーを作成します。
func Transient(code, message string, cause error) *Error {
	return New(TransientStage, code, message, cause)
}

// Permanent は再試行しても成功しない段階エラーを作成します。
func Permanent(code, message string, cause error) *Error {
	return New(PermanentStage, code, message, cause)
}

// Exhausted は容量不足などの資源枯渇エラーを作成します。
func Exhausted(code, message string, cause error) *Error {
	return New(ResourceExhausted, code, message, cause)
}

// Fatal はプロセス全体に影響するエラーを作成します。
func Fatal(code, message string, cause error) *Error {
	return New(FatalProcess, code, message, cause)
}

// Invalid は入力不正エラーを作成します。
func Invalid(code, message string) *Error {
	return New(Validation, code, message, nil)
}

// As は err から *Error を取り出します。
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe, true
	}
	return nil, false
}

// CategoryOf は err の分類を返します。分類されていないエラーは一時的なものとして扱います。
func CategoryOf(err error) Category {
	if fe, ok := As(err); ok {
		return fe.Category
	}
	return TransientStage
}

// IsRetryable は段階内で再試行してよいエラーかどうかを返します。
func IsRetryable(err error) bool {
	return err != nil && CategoryOf(err) == TransientStage
}

// IsFatal はプロセス全体の停止を伴うエラーかどうかを返します。
func IsFatal(err error) bool {
	return err != nil && CategoryOf(err) == FatalProcess
}
