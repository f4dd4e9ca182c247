package safety

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var readOnly = Policy{ReadOnly: true, RequireTenant: true, MaxRows: 1000}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		policy  Policy
		allowed bool
		class   Class
		reasons []string
	}{
		{
			name:    "plain select",
			req:     Request{Statement: "SELECT * FROM config WHERE tenant_id = :tenant LIMIT 10", CallerTenant: "t1", TenantColumn: "tenant_id"},
			policy:  readOnly,
			allowed: true,
			class:   ClassRead,
		},
		{
			name:    "drop table",
			req:     Request{Statement: "DROP TABLE metrics", CallerTenant: "t1"},
			policy:  readOnly,
			class:   ClassDDL,
			reasons: []string{ReasonDDL},
		},
		{
			name:    "ddl hidden in a comment",
			req:     Request{Statement: "SELECT 1 /* then drop everything */", CallerTenant: "t1"},
			policy:  Policy{},
			class:   ClassDDL,
			reasons: []string{ReasonDDL},
		},
		{
			name:    "lower case alter",
			req:     Request{Statement: "alter table assets add column x int"},
			policy:  Policy{},
			class:   ClassDDL,
			reasons: []string{ReasonDDL},
		},
		{
			name:    "grant",
			req:     Request{Statement: "GRANT SELECT ON metrics TO intern"},
			policy:  Policy{},
			class:   ClassDCL,
			reasons: []string{ReasonDCL},
		},
		{
			name:    "update under read only",
			req:     Request{Statement: "UPDATE config SET value = 1 WHERE tenant_id = 't1'", CallerTenant: "t1", TenantColumn: "tenant_id"},
			policy:  readOnly,
			class:   ClassWrite,
			reasons: []string{ReasonWrite},
		},
		{
			name:    "write allowed when not read only",
			req:     Request{Statement: "INSERT INTO notes VALUES (1)"},
			policy:  Policy{},
			allowed: true,
			class:   ClassWrite,
		},
		{
			name:    "cypher merge",
			req:     Request{Statement: "MATCH (n) MERGE (n)-[:FEEDS]->(m)"},
			policy:  Policy{ReadOnly: true},
			class:   ClassWrite,
			reasons: []string{ReasonWrite},
		},
		{
			name:    "stacked statements",
			req:     Request{Statement: "SELECT 1; SELECT 2"},
			policy:  Policy{ReadOnly: true},
			class:   ClassRead,
			reasons: []string{ReasonMultiStatement},
		},
		{
			name:    "trailing semicolon is one statement",
			req:     Request{Statement: "SELECT 1;  "},
			policy:  Policy{ReadOnly: true},
			allowed: true,
			class:   ClassRead,
		},
		{
			name:    "missing tenant",
			req:     Request{Statement: "SELECT * FROM config"},
			policy:  readOnly,
			class:   ClassRead,
			reasons: []string{ReasonTenantMissing},
		},
		{
			name:    "tenant mismatch",
			req:     Request{Statement: "SELECT * FROM config WHERE tenant_id = :tenant", CallerTenant: "t1", RequestTenant: "t2", TenantColumn: "tenant_id"},
			policy:  readOnly,
			class:   ClassRead,
			reasons: []string{ReasonTenantMismatch},
		},
		{
			name:    "tenant column absent",
			req:     Request{Statement: "SELECT * FROM config", CallerTenant: "t1", TenantColumn: "tenant_id"},
			policy:  readOnly,
			class:   ClassRead,
			reasons: []string{ReasonTenantColumn},
		},
		{
			name:    "limit over cap",
			req:     Request{Statement: "SELECT * FROM metrics LIMIT 5000"},
			policy:  Policy{MaxRows: 1000},
			class:   ClassRead,
			reasons: []string{"estimated rows 5000 exceed limit 1000"},
		},
		{
			name:    "outer limit over cap despite small subquery limit",
			req:     Request{Statement: "SELECT * FROM (SELECT * FROM metrics LIMIT 5) m LIMIT 100000"},
			policy:  Policy{MaxRows: 1000},
			class:   ClassRead,
			reasons: []string{"estimated rows 100000 exceed limit 1000"},
		},
		{
			name:    "caller estimate over cap",
			req:     Request{Statement: "SELECT * FROM metrics", RowEstimate: 2000},
			policy:  Policy{MaxRows: 1000},
			class:   ClassRead,
			reasons: []string{"estimated rows 2000 exceed limit 1000"},
		},
		{
			name:    "unknown estimate is allowed",
			req:     Request{Statement: "SELECT * FROM metrics"},
			policy:  Policy{MaxRows: 1000},
			allowed: true,
			class:   ClassRead,
		},
		{
			name:    "empty",
			req:     Request{Statement: "  ;; "},
			policy:  Policy{},
			class:   ClassEmpty,
			reasons: []string{ReasonEmpty},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.req, tt.policy)
			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.class, v.Class)
			assert.Equal(t, tt.reasons, v.Reasons)
		})
	}
}

func TestValidateTotalOnRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	mutations := []string{"DROP", "create", "Alter", "TRUNCATE", "rename", "GRANT", "revoke"}

	for i := 0; i < 2000; i++ {
		noise := randomBytes(rng, rng.Intn(64))
		keyword := mutations[rng.Intn(len(mutations))]
		cut := rng.Intn(len(noise) + 1)
		text := noise[:cut] + " " + keyword + " " + noise[cut:]

		first := Validate(Request{Statement: text}, Policy{})
		second := Validate(Request{Statement: text}, Policy{})

		assert.False(t, first.Allowed, "input %q must be denied", text)
		assert.Equal(t, first, second, "classification must be deterministic")

		// Noise alone must classify without panicking
		_ = Validate(Request{Statement: noise, CallerTenant: "t"}, readOnly)
	}
}

func randomBytes(rng *rand.Rand, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte(rng.Intn(256)))
	}
	return b.String()
}
