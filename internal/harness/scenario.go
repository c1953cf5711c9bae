package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
)

// Scenario defines a kiosk session and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the RFC 3339 wall clock at the beginning. Default: DefaultStart.
	Start string `yaml:"start,omitempty"`

	// Catalog is served by the fake remote and loaded before the first step.
	Catalog CatalogFixture `yaml:"catalog"`

	// Credentials are stored before the first step.
	Credentials []CredentialFixture `yaml:"credentials"`

	// Sync tunes the sync engine.
	Sync SyncSettings `yaml:"sync,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledger, remote and engine status.
	Assertions []Assertion `yaml:"assertions"`
}

// CatalogFixture is a remote catalog in scenario form.
type CatalogFixture struct {
	Articles []ArticleFixture `yaml:"articles"`
	Members  []MemberFixture  `yaml:"members"`
}

// ArticleFixture is one remote article.
type ArticleFixture struct {
	ID          string         `yaml:"id"`
	Designation string         `yaml:"designation"`
	Prices      []PriceFixture `yaml:"prices"`
}

// PriceFixture is one remote price list entry.
type PriceFixture struct {
	ValidFrom string `yaml:"valid_from"`
	ValidTo   string `yaml:"valid_to"`
	UnitPrice string `yaml:"unit_price"`
	Tier      string `yaml:"tier,omitempty"`
}

// MemberFixture is one remote member.
type MemberFixture struct {
	ID        string   `yaml:"id"`
	Keycodes  []string `yaml:"keycodes"`
	Firstname string   `yaml:"firstname"`
	Lastname  string   `yaml:"lastname"`
	Nickname  string   `yaml:"nickname,omitempty"`
	Tier      string   `yaml:"tier,omitempty"`
}

// CredentialFixture is a club login.
type CredentialFixture struct {
	ClubID   int    `yaml:"club_id"`
	AppKey   string `yaml:"app_key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SyncSettings overrides sync engine defaults. Durations use Go syntax.
type SyncSettings struct {
	BatchSize     int    `yaml:"batch_size,omitempty"`
	EscalateAfter int    `yaml:"escalate_after,omitempty"`
	RetryBase     string `yaml:"retry_base,omitempty"`
	RetryMax      string `yaml:"retry_max,omitempty"`
}

// Step is one action of the session. Exactly one action field is set.
type Step struct {
	Sell       *SellStep          `yaml:"sell,omitempty"`
	Sync       *SyncStep          `yaml:"sync,omitempty"`
	Advance    string             `yaml:"advance,omitempty"`
	Remote     *RemoteStep        `yaml:"remote,omitempty"`
	Credential *CredentialFixture `yaml:"credential,omitempty"`
	Refresh    *RefreshStep       `yaml:"refresh,omitempty"`
	Crash      *CrashStep         `yaml:"crash,omitempty"`
	Restart    *RestartStep       `yaml:"restart,omitempty"`

	// Expect checks the step's outcome. If nil, the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// SellStep records one basket.
type SellStep struct {
	// Club defaults to the first credential's club.
	Club    int    `yaml:"club,omitempty"`
	Keycode string `yaml:"keycode"`
	// Items are "ARTICLE" or "ARTICLE:QUANTITY".
	Items []string `yaml:"items"`
}

// SyncStep runs one sync cycle.
type SyncStep struct{}

// RemoteStep changes the fake remote.
type RemoteStep struct {
	Offline  *bool `yaml:"offline,omitempty"`
	LoseAcks int   `yaml:"lose_acks,omitempty"`
	// Fail queues submission failures: transient, auth or validation.
	Fail []string `yaml:"fail,omitempty"`
	// Password restricts a club to one accepted password.
	Password *PasswordFixture `yaml:"password,omitempty"`
}

// PasswordFixture is the password the remote accepts for a club.
type PasswordFixture struct {
	Club  int    `yaml:"club"`
	Value string `yaml:"value"`
}

// RefreshStep refreshes the catalog. A non-nil Catalog replaces what the
// remote serves first.
type RefreshStep struct {
	Catalog *CatalogFixture `yaml:"catalog,omitempty"`
}

// CrashStep simulates a process that died during a sync cycle.
type CrashStep struct {
	// Claim lists sales that were marked in flight.
	Claim []string `yaml:"claim"`
	// Delivered lists claimed sales the remote booked before the crash.
	Delivered []string `yaml:"delivered,omitempty"`
}

// RestartStep starts a new sync engine.
type RestartStep struct{}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Outcome is "ok" (default) or an error code.
	Outcome string `yaml:"outcome,omitempty"`

	// Result is a subset match on the step's result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Sale is the sale id (remote_count, sale_state).
	Sale string `yaml:"sale,omitempty"`

	// Sales is the expected booking order (remote_order).
	Sales []string `yaml:"sales,omitempty"`

	// Action and Outcome select steps (trace_count).
	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number (remote_count, ledger_count, trace_count).
	Count int `yaml:"count,omitempty"`

	// Expect contains expected field values (sale_state, ledger_count,
	// status). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertRemoteCount = "remote_count"
	AssertRemoteOrder = "remote_order"
	AssertSaleState   = "sale_state"
	AssertLedgerCount = "ledger_count"
	AssertStatus      = "status"
	AssertTraceCount  = "trace_count"
)

// Step action names as they appear in the trace.
const (
	ActionSell       = "sell"
	ActionSync       = "sync"
	ActionAdvance    = "advance"
	ActionRemote     = "remote"
	ActionCredential = "credential"
	ActionRefresh    = "refresh"
	ActionCrash      = "crash"
	ActionRestart    = "restart"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// ScenarioFiles returns the *.yaml files in dir, sorted by name.
func ScenarioFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// startTime returns the scenario's initial wall clock.
func (s *Scenario) startTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// defaultClub is the club sales are recorded for when a step names none.
func (s *Scenario) defaultClub() int {
	if len(s.Credentials) > 0 {
		return s.Credentials[0].ClubID
	}
	return 1
}

func (f CatalogFixture) remote() catalog.RemoteSnapshot {
	snap := catalog.RemoteSnapshot{
		Articles: make([]catalog.RemoteArticle, len(f.Articles)),
		Members:  make([]catalog.RemoteMember, len(f.Members)),
	}
	for i, a := range f.Articles {
		prices := make([]catalog.RemotePrice, len(a.Prices))
		for j, p := range a.Prices {
			prices[j] = catalog.RemotePrice{
				ValidFrom: p.ValidFrom,
				ValidTo:   p.ValidTo,
				UnitPrice: p.UnitPrice,
				Tier:      p.Tier,
			}
		}
		snap.Articles[i] = catalog.RemoteArticle{ID: a.ID, Designation: a.Designation, Prices: prices}
	}
	for i, m := range f.Members {
		snap.Members[i] = catalog.RemoteMember{
			ID:        m.ID,
			Keycodes:  m.Keycodes,
			Firstname: m.Firstname,
			Lastname:  m.Lastname,
			Nickname:  m.Nickname,
			Tier:      m.Tier,
		}
	}
	return snap
}

func (f CredentialFixture) ledger() ledger.Credential {
	return ledger.Credential{
		ClubID:   f.ClubID,
		AppKey:   f.AppKey,
		Username: f.Username,
		Password: f.Password,
	}
}

// action names the action a step sets, or "" if it sets none or several.
func (s *Step) action() string {
	var names []string
	if s.Sell != nil {
		names = append(names, ActionSell)
	}
	if s.Sync != nil {
		names = append(names, ActionSync)
	}
	if s.Advance != "" {
		names = append(names, ActionAdvance)
	}
	if s.Remote != nil {
		names = append(names, ActionRemote)
	}
	if s.Credential != nil {
		names = append(names, ActionCredential)
	}
	if s.Refresh != nil {
		names = append(names, ActionRefresh)
	}
	if s.Crash != nil {
		names = append(names, ActionCrash)
	}
	if s.Restart != nil {
		names = append(names, ActionRestart)
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if _, err := s.startTime(); err != nil {
		return err
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, c := range s.Credentials {
		if c.ClubID <= 0 {
			return fmt.Errorf("credentials[%d]: club_id must be positive", i)
		}
	}

	for _, d := range []string{s.Sync.RetryBase, s.Sync.RetryMax} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks one step.
func validateStep(index int, s *Step) error {
	switch s.action() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	case ActionSell:
		if s.Sell.Keycode == "" {
			return fmt.Errorf("steps[%d].sell: keycode is required", index)
		}
		if len(s.Sell.Items) == 0 {
			return fmt.Errorf("steps[%d].sell: items is required", index)
		}
	case ActionAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: duration must be positive", index)
		}
	case ActionRemote:
		for _, f := range s.Remote.Fail {
			if _, ok := injectedFailures[f]; !ok {
				return fmt.Errorf("steps[%d].remote: unknown failure %q", index, f)
			}
		}
	case ActionCrash:
		if len(s.Crash.Claim) == 0 {
			return fmt.Errorf("steps[%d].crash: claim is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRemoteCount:
		if a.Sale == "" {
			return fmt.Errorf("assertions[%d]: sale is required for remote_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for remote_count", index)
		}
	case AssertRemoteOrder:
		if a.Sales == nil {
			return fmt.Errorf("assertions[%d]: sales list is required for remote_order", index)
		}
	case AssertSaleState:
		if a.Sale == "" {
			return fmt.Errorf("assertions[%d]: sale is required for sale_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for sale_state", index)
		}
	case AssertLedgerCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger_count", index)
		}
	case AssertStatus:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for status", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
