package actionqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const placeOrderSchema = `{
	"type": "object",
	"required": ["clientOrderId", "symbol", "side", "type", "quantity"],
	"properties": {
		"clientOrderId": {"type": "string", "minLength": 1, "maxLength": 64},
		"symbol": {"type": "string", "minLength": 1, "maxLength": 32},
		"side": {"enum": ["buy", "sell"]},
		"type": {"enum": ["market", "limit"]},
		"quantity": {"type": "number", "exclusiveMinimum": 0},
		"limitPrice": {"type": "number", "exclusiveMinimum": 0}
	},
	"if": {"properties": {"type": {"const": "limit"}}},
	"then": {"required": ["limitPrice"]},
	"additionalProperties": false
}`

const cancelOrderSchema = `{
	"type": "object",
	"properties": {
		"orderId": {"type": "string", "minLength": 1},
		"clientOrderId": {"type": "string", "minLength": 1}
	},
	"anyOf": [{"required": ["orderId"]}, {"required": ["clientOrderId"]}],
	"additionalProperties": false
}`

const modifyOrderSchema = `{
	"type": "object",
	"required": ["orderId"],
	"properties": {
		"orderId": {"type": "string", "minLength": 1},
		"quantity": {"type": "number", "exclusiveMinimum": 0},
		"limitPrice": {"type": "number", "exclusiveMinimum": 0}
	},
	"anyOf": [{"required": ["quantity"]}, {"required": ["limitPrice"]}],
	"additionalProperties": false
}`

type PlaceOrder struct {
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      float64 `json:"quantity"`
	LimitPrice    float64 `json:"limitPrice,omitempty"`
}

type CancelOrder struct {
	OrderID       string `json:"orderId,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

type ModifyOrder struct {
	OrderID    string  `json:"orderId"`
	Quantity   float64 `json:"quantity,omitempty"`
	LimitPrice float64 `json:"limitPrice,omitempty"`
}

// Kinds is the registry of action kinds the queue accepts. Each kind owns a
// JSON Schema its payload must satisfy at enqueue time and again before replay.
type Kinds struct {
	mu      sync.RWMutex
	schemas map[Kind]*jsonschema.Schema
}

func NewKinds() *Kinds {
	return &Kinds{schemas: map[Kind]*jsonschema.Schema{}}
}

func DefaultKinds() *Kinds {
	k := NewKinds()
	for kind, schema := range map[Kind]string{
		KindPlaceOrder:  placeOrderSchema,
		KindCancelOrder: cancelOrderSchema,
		KindModifyOrder: modifyOrderSchema,
	} {
		if err := k.Register(kind, []byte(schema)); err != nil {
			panic(fmt.Sprintf("compile builtin schema %s: %v", kind, err))
		}
	}
	return k
}

func (k *Kinds) Register(kind Kind, schema []byte) error {
	kind = normalizeKind(kind)
	if kind == "" {
		return ErrUnknownKind
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", kind, err)
	}
	location := strings.ToLower(string(kind)) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", kind, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.schemas[kind] = compiled
	return nil
}

func (k *Kinds) Known(kind Kind) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.schemas[normalizeKind(kind)]
	return ok
}

func (k *Kinds) List() []Kind {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kinds := make([]Kind, 0, len(k.schemas))
	for kind := range k.schemas {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (k *Kinds) Validate(kind Kind, payload []byte) error {
	kind = normalizeKind(kind)
	k.mu.RLock()
	schema, ok := k.schemas[kind]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: %s payload is empty", ErrInvalidPayload, kind)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s payload is not json: %v", ErrInvalidPayload, kind, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return nil
}

// Decode unmarshals the payload of action into the typed struct for its kind.
func Decode[T any](action PendingAction) (T, error) {
	var out T
	if err := json.Unmarshal(action.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, action.Kind, err)
	}
	return out, nil
}

func normalizeKind(kind Kind) Kind {
	return Kind(strings.ToUpper(strings.TrimSpace(string(kind))))
}
