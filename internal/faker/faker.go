// Package faker synthesizes type-appropriate fake values for detected PII
// entities. Determinism across restarts is provided by the Mapping Store,
// not by the RNG: the Faker only needs to produce *a* plausible, obviously
// synthetic value on first generation.
package faker

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpconceal/internal/detector"
)

// AnonymizedEntity is a detection plus its synthesized substitute.
type AnonymizedEntity struct {
	EntityType    string `json:"entityType"`
	OriginalValue string `json:"originalValue"`
	FakeValue     string `json:"fakeValue"`
	MappingID     string `json:"mappingId"`
}

var (
	safeEmailDomains = []string{"example.com", "example.org", "example.net", "test.invalid"}
	firstNames       = []string{"Alex", "Jordan", "Taylor", "Morgan", "Casey", "Riley", "Jamie", "Avery", "Quinn", "Drew"}
	lastNames        = []string{"Smith", "Johnson", "Nguyen", "Patel", "Garcia", "Müller", "Kowalski", "Tanaka", "Dubois", "Silva"}
	hostnamePrefixes = []string{"server", "web", "db", "app", "proxy", "gateway", "host", "node"}
	hostnameTLDs     = []string{"local", "internal", "lan", "test"}
	nodeTypes        = []string{"node", "worker", "master", "compute", "edge"}
	nodeSeparators   = []string{"", "-", "_"}
	companyNames     = []string{"Initech", "Globex", "Hooli", "Acme Corp", "Umbrella Inc", "Stark Industries"}
	jobTitles        = []string{"Software Engineer", "Product Manager", "Data Analyst", "Operations Lead", "Account Executive"}
	streetNames      = []string{"Maple Ave", "Oak St", "Elm Rd", "Pine Ln", "Cedar Blvd"}
	cities           = []string{"Springfield", "Fairview", "Riverside", "Georgetown", "Franklin"}
)

// Config configures Faker construction.
type Config struct {
	Locale      string
	Seed        *uint64
	Consistency bool // reserved; see design notes — not consulted at runtime
}

// Faker synthesizes fake values for DetectedEntity instances using a
// seeded RNG. Access to the RNG is serialized by a mutex; each
// duplex-proxy worker still clones its own instance so workers do not
// share one RNG.
type Faker struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a Faker. If cfg.Seed is nil, the RNG is seeded from the
// current time (non-deterministic); otherwise it is seeded deterministically.
func New(cfg Config) *Faker {
	var seed int64
	if cfg.Seed != nil {
		seed = int64(*cfg.Seed)
	} else {
		seed = time.Now().UnixNano()
	}
	return &Faker{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Clone returns an independent Faker sharing this instance's configuration
// but carrying its own RNG stream, seeded from the parent's current state.
// Used to hand each duplex-proxy worker its own faker without sharing
// mutable RNG state.
func (f *Faker) Clone() *Faker {
	f.mu.Lock()
	seed := f.rng.Int63()
	f.mu.Unlock()
	return &Faker{cfg: f.cfg, rng: rand.New(rand.NewSource(seed))}
}

// AnonymizeEntity synthesizes a fake value for the given detection and
// attaches a fresh, globally unique mapping id.
func (f *Faker) AnonymizeEntity(e detector.DetectedEntity) AnonymizedEntity {
	baseType := extractBaseType(e.EntityType)

	f.mu.Lock()
	fake := f.generate(baseType)
	f.mu.Unlock()

	return AnonymizedEntity{
		EntityType:    e.EntityType,
		OriginalValue: e.OriginalValue,
		FakeValue:     fake,
		MappingID:     uuid.NewString(),
	}
}

// extractBaseType strips the "@<json-path>" suffix the Pattern Detector
// stamps onto entities produced from a JSON traversal.
func extractBaseType(entityType string) string {
	if i := strings.IndexByte(entityType, '@'); i >= 0 {
		return entityType[:i]
	}
	return entityType
}

// generate must be called with f.mu held.
func (f *Faker) generate(baseType string) string {
	switch baseType {
	case "email":
		return fmt.Sprintf("%s.%s@%s",
			strings.ToLower(f.pick(firstNames)), strings.ToLower(f.pick(lastNames)), f.pick(safeEmailDomains))
	case "phone":
		return fmt.Sprintf("555-%03d-%04d", f.rng.Intn(900)+100, f.rng.Intn(9000)+1000)
	case "ssn":
		return fmt.Sprintf("9%02d-%02d-%04d", f.rng.Intn(100), f.rng.Intn(100), f.rng.Intn(10000))
	case "name":
		return fmt.Sprintf("%s %s", f.pick(firstNames), f.pick(lastNames))
	case "ip_address":
		return fmt.Sprintf("%d.%d.%d.%d", f.rng.Intn(254)+1, f.rng.Intn(254)+1, f.rng.Intn(254)+1, f.rng.Intn(254)+1)
	case "hostname":
		return fmt.Sprintf("%s-%02d.fake.%s", f.pick(hostnamePrefixes), f.rng.Intn(100), f.pick(hostnameTLDs))
	case "node_name":
		nt := f.pick(nodeTypes)
		sep := nodeSeparators[f.rng.Intn(len(nodeSeparators))]
		return fmt.Sprintf("%s%s%02d", nt, sep, f.rng.Intn(100))
	case "credit_card":
		return fmt.Sprintf("4000%012d", f.rng.Int63n(1_000_000_000_000))
	case "url":
		return fmt.Sprintf("https://%s-%02d.fake.%s/resource", f.pick(hostnamePrefixes), f.rng.Intn(100), f.pick(hostnameTLDs))
	case "api_key":
		return fmt.Sprintf("fake_sk_%016x", f.rng.Int63())
	case "address":
		return fmt.Sprintf("%d %s, %s", f.rng.Intn(9000)+100, f.pick(streetNames), f.pick(cities))
	case "company":
		return f.pick(companyNames)
	case "job_title":
		return f.pick(jobTitles)
	case "medical":
		return "REDACTED_MEDICAL_RECORD"
	case "salary":
		return fmt.Sprintf("$%d,000", (f.rng.Intn(18)+4)*10)
	default:
		return "REDACTED_" + strings.ToUpper(baseType)
	}
}

func (f *Faker) pick(options []string) string {
	return options[f.rng.Intn(len(options))]
}
