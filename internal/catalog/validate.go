package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource string

// ValidationError reports a remote item that does not match the catalog
// schema.
type ValidationError struct {
	Kind    string // "article" or "member"
	ID      string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s %q: %d:%d: %s", e.Kind, e.ID, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s %q: %s", e.Kind, e.ID, e.Message)
}

// validator checks remote items against schema.cue.
// A cue.Context is not safe for concurrent use; callers serialize access.
type validator struct {
	ctx     *cue.Context
	article cue.Value
	member  cue.Value
}

func newValidator() (*validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	v := &validator{
		ctx:     ctx,
		article: schema.LookupPath(cue.ParsePath("#Article")),
		member:  schema.LookupPath(cue.ParsePath("#Member")),
	}
	if !v.article.Exists() || !v.member.Exists() {
		return nil, fmt.Errorf("compile catalog schema: missing #Article or #Member")
	}
	return v, nil
}

func (v *validator) validateArticle(a RemoteArticle) error {
	if a.Prices == nil {
		a.Prices = []RemotePrice{}
	}
	return v.validate("article", a.ID, v.article, a)
}

func (v *validator) validateMember(m RemoteMember) error {
	if m.Keycodes == nil {
		m.Keycodes = []string{}
	}
	return v.validate("member", m.ID, v.member, m)
}

func (v *validator) validate(kind, id string, schema cue.Value, item any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return &ValidationError{Kind: kind, ID: id, Message: err.Error()}
	}

	value := v.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return newValidationError(kind, id, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return newValidationError(kind, id, err)
	}
	return nil
}

// newValidationError keeps the first CUE error and its position.
func newValidationError(kind, id string, err error) *ValidationError {
	verr := &ValidationError{Kind: kind, ID: id, Message: err.Error()}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return verr
	}
	verr.Message = errs[0].Error()
	if positions := errors.Positions(errs[0]); len(positions) > 0 {
		verr.Pos = positions[0]
	}
	return verr
}
