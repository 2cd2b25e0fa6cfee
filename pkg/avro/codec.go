// Package avro implements the Confluent wire format (magic byte + schema ID
// header) over hamba/avro, with registry lookups cached per subject and per
// schema ID.
package avro

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"golang.org/x/sync/singleflight"
)

// Magic byte (1) + schema ID (4)
const wireHeaderSize = 5

type schemaEntry struct {
	schemaID int
	schema   avro.Schema
}

var (
	// Cache parsed schemas by subject and schema ID
	schemaCacheBySubject sync.Map // map[string]schemaEntry
	schemaCacheByID      sync.Map // map[int]avro.Schema
	// Prevent duplicate schema fetches
	flight singleflight.Group

	clientMu sync.Mutex
	clients  = make(map[string]*srclient.SchemaRegistryClient)
)

func registryClient(url string) *srclient.SchemaRegistryClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	if c, ok := clients[url]; ok {
		return c
	}
	c := srclient.CreateSchemaRegistryClient(url)
	clients[url] = c
	return c
}

func schemaForSubject(client *srclient.SchemaRegistryClient, subject string) (int, avro.Schema, error) {
	if v, ok := schemaCacheBySubject.Load(subject); ok {
		se := v.(schemaEntry)
		return se.schemaID, se.schema, nil
	}
	val, err, _ := flight.Do(subject, func() (interface{}, error) {
		meta, err := client.GetLatestSchema(subject)
		if err != nil {
			return nil, fmt.Errorf("fetch schema %s: %w", subject, err)
		}
		schema, err := avro.Parse(meta.Schema())
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", subject, err)
		}
		se := schemaEntry{schemaID: meta.ID(), schema: schema}
		schemaCacheBySubject.Store(subject, se)
		schemaCacheByID.Store(meta.ID(), schema)
		return se, nil
	})
	if err != nil {
		return 0, nil, err
	}
	se := val.(schemaEntry)
	return se.schemaID, se.schema, nil
}

func schemaForID(client *srclient.SchemaRegistryClient, schemaID int) (avro.Schema, error) {
	if v, ok := schemaCacheByID.Load(schemaID); ok {
		return v.(avro.Schema), nil
	}
	val, err, _ := flight.Do(fmt.Sprintf("id:%d", schemaID), func() (interface{}, error) {
		meta, err := client.GetSchema(schemaID)
		if err != nil {
			return nil, fmt.Errorf("fetch schema ID %d: %w", schemaID, err)
		}
		schema, err := avro.Parse(meta.Schema())
		if err != nil {
			return nil, fmt.Errorf("parse schema ID %d: %w", schemaID, err)
		}
		schemaCacheByID.Store(schemaID, schema)
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(avro.Schema), nil
}

// EncodeAvro encodes a record into a Confluent-wire-format payload using the
// latest registered schema for the subject.
func EncodeAvro(client *srclient.SchemaRegistryClient, subject string, record map[string]any) ([]byte, error) {
	schemaID, schema, err := schemaForSubject(client, subject)
	if err != nil {
		return nil, fmt.Errorf("get schema for %s: %w", subject, err)
	}
	body, err := avro.Marshal(schema, record)
	if err != nil {
		return nil, fmt.Errorf("marshal for %s: %w", subject, err)
	}
	if schemaID < 0 || schemaID > 0xFFFFFFFF { // Ensure schema ID fits in uint32
		return nil, fmt.Errorf("schema ID %d out of uint32 range", schemaID)
	}
	out := make([]byte, wireHeaderSize+len(body))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:wireHeaderSize], uint32(schemaID))
	copy(out[wireHeaderSize:], body)
	return out, nil
}

// DecodeAvro decodes a Confluent-wire-format payload, resolving the schema by
// the embedded schema ID.
func DecodeAvro(schemaRegistryURL, subject string, payload []byte) (map[string]any, error) {
	if len(payload) < wireHeaderSize || payload[0] != 0 {
		return nil, fmt.Errorf("invalid wire format for %s: missing magic byte or too short", subject)
	}
	client := registryClient(schemaRegistryURL)
	schemaID := int(binary.BigEndian.Uint32(payload[1:wireHeaderSize]))
	schema, err := schemaForID(client, schemaID)
	if err != nil {
		return nil, fmt.Errorf("get schema for ID %d: %w", schemaID, err)
	}
	var out map[string]any
	if err := avro.Unmarshal(schema, payload[wireHeaderSize:], &out); err != nil {
		return nil, fmt.Errorf("unmarshal for ID %d: %w", schemaID, err)
	}
	return out, nil
}

// RegisterSchemaIfMissing registers a schema for the subject unless one
// already exists; the existing version wins so producers never fork a
// subject's history.
func RegisterSchemaIfMissing(client *srclient.SchemaRegistryClient, subject, schemaJSON string) (*srclient.Schema, error) {
	if existing, err := client.GetLatestSchema(subject); err == nil {
		return existing, nil
	}
	return client.CreateSchema(subject, schemaJSON, srclient.Avro)
}
