// Package ops2deberr defines the closed taxonomy of domain errors ops2deb
// raises. Every error the core surfaces to a caller implements the Error
// interface defined here, so the CLI layer can map any failure to a single
// exit code without inspecting string messages.
package ops2deberr

import "fmt"

// Kind classifies a domain error. The CLI layer and the errmsg-style
// formatter switch on Kind rather than on error message text.
type Kind int

const (
	// KindParser covers configuration file discovery/parse/validation failures.
	KindParser Kind = iota
	// KindLockFile covers lockfile load/validation/lookup failures.
	KindLockFile
	// KindFetcher covers download/HTTP/checksum failures.
	KindFetcher
	// KindExtract covers archive extraction failures.
	KindExtract
	// KindGenerator covers source package materialisation failures.
	KindGenerator
	// KindGeneratorScript covers a non-zero script step during materialisation.
	KindGeneratorScript
	// KindBuilder covers external package-builder invocation failures.
	KindBuilder
	// KindUpdater covers upstream version probing failures.
	KindUpdater
	// KindApt covers APT repository access/option failures.
	KindApt
	// KindFormatter signals that a file was reformatted (non-zero exit signal).
	KindFormatter
)

func (k Kind) String() string {
	switch k {
	case KindParser:
		return "ParserError"
	case KindLockFile:
		return "LockFileError"
	case KindFetcher:
		return "FetcherError"
	case KindExtract:
		return "ExtractError"
	case KindGenerator:
		return "GeneratorError"
	case KindGeneratorScript:
		return "GeneratorScriptError"
	case KindBuilder:
		return "BuilderError"
	case KindUpdater:
		return "UpdaterError"
	case KindApt:
		return "AptError"
	case KindFormatter:
		return "FormatterError"
	default:
		return "Ops2debError"
	}
}

// Error is the single concrete type behind every domain error. It carries
// a Kind for CLI exit-code mapping and errmsg-style formatting, a message,
// optional context (e.g. a file path or blueprint index), and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Context string // optional extra context, e.g. "blueprints.yml[2]"
	Err     error
}

// New creates a domain error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithContext attaches file/index context and returns the same error for chaining.
func (e *Error) WithContext(context string) *Error {
	e.Context = context
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Context != "" {
		msg = fmt.Sprintf("%s: %s", e.Context, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error, if any, for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, ops2deberr.New(ops2deberr.KindFetcher, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Aggregate collects independent per-item failures from a single phase
// (one fetch task, one package materialisation, one blueprint update) and
// reports the total count, per the "propagation policy" of not aborting
// sibling work on a single failure.
type Aggregate struct {
	Kind   Kind
	Noun   string // e.g. "failures", "update failures"
	Errors []error
}

// NewAggregate creates an Aggregate error. Returns nil if errs is empty,
// so callers can write `if err := NewAggregate(...); err != nil { return err }`.
func NewAggregate(kind Kind, noun string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &Aggregate{Kind: kind, Noun: noun, Errors: errs}
}

func (a *Aggregate) Error() string {
	if a.Noun == "" {
		a.Noun = "failures"
	}
	return fmt.Sprintf("%d %s occurred", len(a.Errors), a.Noun)
}

func (a *Aggregate) Unwrap() []error {
	return a.Errors
}
