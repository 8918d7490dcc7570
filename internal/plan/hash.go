// Package plan computes the plan hash of a contract, renders the plan for a
// reviewer and enforces the human-review approval gate.
package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/msageha/taskexec/internal/model"
)

// HashLength is the number of hex characters kept from the SHA-256 digest.
const HashLength = 16

type canonicalCommand struct {
	ID           string   `json:"id"`
	Program      string   `json:"program"`
	Args         []string `json:"args"`
	Description  string   `json:"description"`
	CostEstimate float64  `json:"cost_estimate"`
	TimeoutSec   int      `json:"timeout_sec"`
}

type canonicalGate struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Description string            `json:"description"`
	Exec        *canonicalCommand `json:"exec,omitempty"`
}

type canonicalPlan struct {
	AcceptanceCriteria []string           `json:"acceptance_criteria"`
	Commands           []canonicalCommand `json:"commands"`
	Gates              []canonicalGate    `json:"gates"`
}

// Hash returns the first HashLength hex characters of SHA-256 over the
// canonical JSON of the contract's commands, gates and acceptance criteria,
// every field of each included. Contract metadata (title, locks, ports,
// secrets, evidence, telemetry) does not contribute.
func Hash(c model.Contract) (string, error) {
	data, err := Canonical(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// Canonical returns the hashed document: compact JSON with keys sorted at
// every level and empty lists encoded as [].
func Canonical(c model.Contract) ([]byte, error) {
	doc := canonicalPlan{
		AcceptanceCriteria: nonNil(c.AcceptanceCriteria),
		Commands:           make([]canonicalCommand, 0, len(c.Commands)),
		Gates:              make([]canonicalGate, 0, len(c.Gates)),
	}
	for _, cmd := range c.Commands {
		doc.Commands = append(doc.Commands, canonicalize(cmd))
	}
	for _, g := range c.Gates {
		cg := canonicalGate{ID: g.ID, Kind: model.KindName(g.Kind), Description: g.Description}
		switch k := g.Kind.(type) {
		case model.HumanReview:
		case model.CommandCheck:
			exec := canonicalize(k.Exec)
			cg.Exec = &exec
		default:
			return nil, fmt.Errorf("gate %s: unsupported kind %T", g.ID, g.Kind)
		}
		doc.Gates = append(doc.Gates, cg)
	}

	// Round-trip through a generic value so every object is a map and
	// encoding/json emits its keys sorted.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize plan: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func canonicalize(cmd model.Command) canonicalCommand {
	return canonicalCommand{
		ID:           cmd.ID,
		Program:      cmd.Program,
		Args:         nonNil(cmd.Args),
		Description:  cmd.Description,
		CostEstimate: cmd.CostEstimate,
		TimeoutSec:   cmd.TimeoutSec,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
