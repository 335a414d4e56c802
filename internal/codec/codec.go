package codec

import (
	"context"
	"fmt"
	"sync"

	"github.com/linkedin/goavro/v2"

	"connect/internal/constants"
	"connect/internal/schema"
	"connect/pkg/errors"
)

// SchemaResolver is the slice of the schema cache the codec needs.
type SchemaResolver interface {
	ResolveBySubject(ctx context.Context, subject string) (*schema.SchemaDefinition, error)
	ResolveByID(ctx context.Context, schemaID int) (*schema.SchemaDefinition, error)
}

// Codec implements the two-tier wire format: the business payload is
// serialized schemaless against its own subject, nested into a MessageV1
// envelope, and the envelope is framed Confluent-style with the envelope
// schema id. Decode is the exact inverse.
type Codec struct {
	resolver      SchemaResolver
	envelopeCodec *goavro.Codec

	mu     sync.RWMutex
	parsed map[string]*goavro.Codec
}

func NewCodec(resolver SchemaResolver) (*Codec, error) {
	envelopeCodec, err := goavro.NewCodec(MessageV1Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope schema: %w", err)
	}

	return &Codec{
		resolver:      resolver,
		envelopeCodec: envelopeCodec,
		parsed:        make(map[string]*goavro.Codec),
	}, nil
}

// Encode serializes the payload against the envelope's dataschema subject,
// wraps it in the MessageV1 envelope and prefixes the Confluent framing.
func (c *Codec) Encode(ctx context.Context, envelope *Envelope, payload map[string]interface{}) ([]byte, error) {
	if envelope.DataSchema == "" {
		return nil, errors.ErrValidation.WithDetail("message", "envelope dataschema is required")
	}

	innerDef, err := c.resolver.ResolveBySubject(ctx, envelope.DataSchema)
	if err != nil {
		return nil, err
	}

	innerCodec, err := c.codecFor(innerDef.Definition)
	if err != nil {
		return nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("subject", envelope.DataSchema)
	}

	innerBytes, err := innerCodec.BinaryFromNative(nil, payload)
	if err != nil {
		return nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("subject", envelope.DataSchema).
			WithDetail("schema_id", innerDef.SchemaID)
	}
	envelope.Data = innerBytes

	envelopeDef, err := c.resolver.ResolveBySubject(ctx, constants.EnvelopeSubject)
	if err != nil {
		return nil, err
	}

	envelopeBytes, err := c.envelopeCodec.BinaryFromNative(nil, envelope.toNative())
	if err != nil {
		return nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("subject", constants.EnvelopeSubject).
			WithDetail("schema_id", envelopeDef.SchemaID)
	}

	return append(EncodeSchemaID(envelopeDef.SchemaID), envelopeBytes...), nil
}

// Decode parses a wire-framed message back into its envelope and inner
// payload. It never returns a partial payload: any layer failing to conform
// fails the whole decode.
func (c *Codec) Decode(ctx context.Context, data []byte) (*Envelope, map[string]interface{}, error) {
	schemaID, body, err := DecodeSchemaID(data)
	if err != nil {
		return nil, nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("byte_length", len(data))
	}

	outerDef, err := c.resolver.ResolveByID(ctx, schemaID)
	if err != nil {
		return nil, nil, err
	}

	outerCodec, err := c.codecFor(outerDef.Definition)
	if err != nil {
		return nil, nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("schema_id", schemaID)
	}

	native, _, err := outerCodec.NativeFromBinary(body)
	if err != nil {
		return nil, nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("schema_id", schemaID).
			WithDetail("byte_length", len(body))
	}

	nativeMap, ok := native.(map[string]interface{})
	if !ok {
		return nil, nil, errors.ErrCodec.
			WithDetail("message", "envelope did not decode to a record").
			WithDetail("schema_id", schemaID)
	}
	envelope := envelopeFromNative(nativeMap)

	if envelope.DataSchema == "" || len(envelope.Data) == 0 {
		return envelope, map[string]interface{}{}, nil
	}

	innerDef, err := c.resolver.ResolveBySubject(ctx, envelope.DataSchema)
	if err != nil {
		return nil, nil, err
	}

	innerCodec, err := c.codecFor(innerDef.Definition)
	if err != nil {
		return nil, nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("subject", envelope.DataSchema)
	}

	innerNative, _, err := innerCodec.NativeFromBinary(envelope.Data)
	if err != nil {
		return nil, nil, errors.ErrCodec.
			WithCause(err).
			WithDetail("subject", envelope.DataSchema).
			WithDetail("schema_id", innerDef.SchemaID).
			WithDetail("byte_length", len(envelope.Data))
	}

	payload, ok := innerNative.(map[string]interface{})
	if !ok {
		return nil, nil, errors.ErrCodec.
			WithDetail("message", "inner payload did not decode to a record").
			WithDetail("subject", envelope.DataSchema)
	}

	return envelope, payload, nil
}

// codecFor parses a schema definition, memoizing parsed codecs since schema
// entries are immutable per version.
func (c *Codec) codecFor(definition string) (*goavro.Codec, error) {
	c.mu.RLock()
	if codec, ok := c.parsed[definition]; ok {
		c.mu.RUnlock()
		return codec, nil
	}
	c.mu.RUnlock()

	codec, err := goavro.NewCodec(definition)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.parsed[definition] = codec
	c.mu.Unlock()
	return codec, nil
}
