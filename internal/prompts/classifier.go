package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/taxonomy"
	"github.com/nugget/mailroom/internal/voice"
)

// ClassifierSchemaVersion versions the structure of the compiled
// classifier prompt. It prefixes every artifact version, so a change
// to section layout or output schema is visible even when a business's
// configuration is not.
const ClassifierSchemaVersion = 3

// DefaultMinStyleConfidence is the voice profile confidence below which
// no style guidance is rendered.
const DefaultMinStyleConfidence = 0.3

// CompileOptions tune compilation. The zero value is usable.
type CompileOptions struct {
	// MinStyleConfidence gates the style guidance block. Zero means
	// DefaultMinStyleConfidence.
	MinStyleConfidence float64

	// Now stamps the artifact. Zero means time.Now.
	Now time.Time
}

// Artifact is a compiled classifier prompt, ready to hand to the AI
// completion service verbatim. Deploying it replaces any previous
// artifact for the business.
type Artifact struct {
	BusinessID  string    `json:"business_id"`
	Version     string    `json:"version"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`

	// DepartmentScope is ["all"] in hub mode.
	DepartmentScope []string `json:"department_scope"`

	// AllowedCategories are the primary categories the model may
	// return, excluding the reserved out-of-scope category.
	AllowedCategories []string `json:"allowed_categories"`
}

// Allows reports whether primary is a category the artifact permits.
func (a *Artifact) Allows(primary string) bool {
	return slices.Contains(a.AllowedCategories, primary)
}

// HubMode reports whether the artifact is unrestricted.
func (a *Artifact) HubMode() bool {
	return len(a.DepartmentScope) == 1 && a.DepartmentScope[0] == taxonomy.ScopeAll
}

const classifierPreambleTemplate = `You are the inbound email classifier for %s.

## About the business

%s
## Rules

1. Classify every email into exactly one primary category from the category list below.
2. When the chosen primary category lists secondary categories, pick the single best secondary. Pick a tertiary only where the tertiary rules say so. Otherwise use null.
3. Use category names exactly as written, including capitalization and spaces.
4. Mail addressed to a named team member belongs under MANAGER/<their name>. Mail for management with no named person belongs under MANAGER/Unassigned.
5. Mail from a known supplier belongs under SUPPLIERS/<supplier name>, matched by sender domain first and company name second.
6. Prefer URGENT over every other category when there is a safety issue, active damage, or a customer without essential service.
7. Set ai_can_reply to true only when a courteous, factual reply can be written without information the business has not given you.
8. Never invent categories, team members or suppliers.
`

const outOfScopeShape = `{"primary_category": "OUT_OF_SCOPE", "secondary_category": null, "tertiary_category": null, "confidence": <0.0-1.0>, "ai_can_reply": false, "summary": "<one sentence>", "reasoning": "<which category it belongs to and why>", "entities": {}}`

const outputSchemaTemplate = `## Output format

Respond with one JSON object and nothing else:

{
  "primary_category": "<one of: %s>",
  "secondary_category": "<secondary category name or null>",
  "tertiary_category": "<tertiary category name or null>",
  "confidence": <number between 0.0 and 1.0>,
  "ai_can_reply": <true or false>,
  "summary": "<one sentence summary of the email>",
  "reasoning": "<one or two sentences explaining the classification>",
  "entities": {
    "names": ["<people or companies mentioned>"],
    "emails": ["<email addresses>"],
    "phones": ["<phone numbers>"],
    "amounts": ["<monetary amounts>"],
    "dates": ["<dates or times>"]
  }
}
`

// Compile builds the classifier prompt for a business.
//
// Every category description is rendered in hub and department mode
// alike so the model can recognise mail that is not in scope. In
// department mode a restriction block limits the answer to the allowed
// categories and defines the OUT_OF_SCOPE response. Team members are
// rendered only if one of their roles belongs to an in-scope
// department, and then only with those roles. A voice profile adds a
// style guidance block once its confidence reaches the threshold.
//
// Compile is a pure function of its inputs apart from the timestamp.
func Compile(cfg *business.Configuration, profile *voice.Profile, opts CompileOptions) (*Artifact, error) {
	if cfg == nil {
		return nil, &business.ConfigurationError{Reason: "missing configuration"}
	}
	exts := cfg.Industries
	if len(exts) == 0 {
		exts = cfg.TaxonomySpec().Extensions()
	}
	if len(exts) == 0 {
		return nil, &business.ConfigurationError{
			BusinessID: cfg.BusinessID,
			Field:      "industry_types",
			Reason:     "no industry type resolves to a taxonomy extension",
		}
	}
	if opts.MinStyleConfidence == 0 {
		opts.MinStyleConfidence = DefaultMinStyleConfidence
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	nodes := cfg.Taxonomy()
	team := scopedTeam(cfg)
	allowed := allowedCategories(cfg, nodes, team)

	var b strings.Builder
	name := cfg.Name
	if name == "" {
		name = cfg.BusinessID
	}
	fmt.Fprintf(&b, classifierPreambleTemplate, name, industrySection(exts))
	b.WriteString("\n")
	writeCategories(&b, nodes)
	writeTertiaryRules(&b, nodes)
	writeTeam(&b, team)
	writeSuppliers(&b, cfg.Suppliers)
	if !cfg.HubMode() {
		writeRestriction(&b, cfg, allowed)
	}
	if profile != nil && profile.Confidence >= opts.MinStyleConfidence {
		writeStyle(&b, profile)
	}

	choices := slices.Clone(allowed)
	if !cfg.HubMode() {
		choices = append(choices, taxonomy.OutOfScope)
	}
	fmt.Fprintf(&b, outputSchemaTemplate, strings.Join(choices, ", "))

	text := b.String()
	return &Artifact{
		BusinessID:        cfg.BusinessID,
		Version:           artifactVersion(text),
		Text:              text,
		GeneratedAt:       opts.Now.UTC(),
		DepartmentScope:   cfg.ScopeLabels(),
		AllowedCategories: allowed,
	}, nil
}

func artifactVersion(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%d.%s", ClassifierSchemaVersion, hex.EncodeToString(sum[:])[:12])
}

// scopedManager is a team member with the roles that survive
// department filtering.
type scopedManager struct {
	business.Manager
	roles []taxonomy.RoleDefinition
}

func scopedTeam(cfg *business.Configuration) []scopedManager {
	var out []scopedManager
	for _, m := range cfg.Team {
		sm := scopedManager{Manager: m}
		for _, id := range m.Roles {
			def, ok := taxonomy.Role(id)
			if ok && cfg.InScope(def.Department) {
				sm.roles = append(sm.roles, def)
			}
		}
		if len(sm.roles) > 0 {
			out = append(out, sm)
		}
	}
	return out
}

// allowedCategories returns every primary in hub mode. In department
// mode it is the sorted union of categories routed to the in-scope
// roles of the included team; with nobody included it falls back to
// every role of the scoped departments.
func allowedCategories(cfg *business.Configuration, nodes []taxonomy.Node, team []scopedManager) []string {
	if cfg.HubMode() {
		var out []string
		for _, n := range taxonomy.Primaries(nodes) {
			out = append(out, n.Name)
		}
		return out
	}
	var roles []taxonomy.RoleID
	for _, m := range team {
		for _, def := range m.roles {
			roles = append(roles, def.ID)
		}
	}
	if len(roles) == 0 {
		roles = taxonomy.RolesForDepartments(cfg.DepartmentScope)
	}
	return taxonomy.RoutedCategories(roles)
}

func industrySection(exts []taxonomy.Extension) string {
	var b strings.Builder
	for _, e := range exts {
		fmt.Fprintf(&b, "- %s: %s\n", e.Label, e.Context)
	}
	return b.String()
}

func writeCategories(b *strings.Builder, nodes []taxonomy.Node) {
	b.WriteString("## Categories\n")
	for _, p := range taxonomy.Primaries(nodes) {
		fmt.Fprintf(b, "\n### %s\n%s\n", p.Name, p.Description)
		if len(p.Keywords) > 0 {
			fmt.Fprintf(b, "Keywords: %s\n", strings.Join(p.Keywords, ", "))
		}
		for _, ex := range p.Examples {
			fmt.Fprintf(b, "Example: %q\n", ex)
		}
		secondaries := taxonomy.Children(nodes, p.Path())
		if len(secondaries) == 0 {
			continue
		}
		b.WriteString("Secondary categories:\n")
		for _, s := range secondaries {
			fmt.Fprintf(b, "- %s: %s\n", s.Name, s.Description)
			for _, t := range taxonomy.Children(nodes, s.Path()) {
				fmt.Fprintf(b, "  - %s: %s\n", t.Name, t.Description)
			}
		}
	}
	b.WriteString("\n")
}

func writeTertiaryRules(b *strings.Builder, nodes []taxonomy.Node) {
	b.WriteString("## Tertiary rules\n\n")
	b.WriteString("Only these secondary categories take a tertiary category:\n")
	for _, n := range nodes {
		if n.Kind != taxonomy.KindSecondary {
			continue
		}
		if rule, ok := taxonomy.TertiaryRule(n.Path()); ok {
			fmt.Fprintf(b, "- %s: %s\n", n.Path(), rule)
		}
	}
	b.WriteString("\n")
}

func writeTeam(b *strings.Builder, team []scopedManager) {
	b.WriteString("## Team\n")
	if len(team) == 0 {
		b.WriteString("\nNo team members are configured. Use MANAGER/Unassigned for mail addressed to a person.\n\n")
		return
	}
	for _, m := range team {
		fmt.Fprintf(b, "\n### %s\n", m.Name)
		if m.Email != "" {
			fmt.Fprintf(b, "Email: %s\n", m.Email)
		}
		if m.ForwardEnabled {
			b.WriteString("Receives forwarded copies of routed mail.\n")
		}
		for _, def := range m.roles {
			fmt.Fprintf(b, "Role: %s [%s]\n", def.Label, def.ID)
			fmt.Fprintf(b, "  Routed categories: %s\n", strings.Join(def.RoutedCategories, ", "))
			fmt.Fprintf(b, "  Keywords: %s\n", strings.Join(def.Keywords, ", "))
		}
	}
	b.WriteString("\n")
}

func writeSuppliers(b *strings.Builder, suppliers []business.Supplier) {
	b.WriteString("## Suppliers\n\n")
	if len(suppliers) == 0 {
		b.WriteString("No suppliers are configured.\n\n")
		return
	}
	for _, s := range suppliers {
		if len(s.Domains) == 0 {
			fmt.Fprintf(b, "- %s\n", s.Name)
			continue
		}
		fmt.Fprintf(b, "- %s (domains: %s)\n", s.Name, strings.Join(s.Domains, ", "))
	}
	b.WriteString("\n")
}

func writeRestriction(b *strings.Builder, cfg *business.Configuration, allowed []string) {
	b.WriteString("## Department restriction\n\n")
	fmt.Fprintf(b, "This deployment serves only the %s department(s).\n", strings.Join(cfg.ScopeLabels(), ", "))
	fmt.Fprintf(b, "Allowed primary categories: %s\n\n", strings.Join(allowed, ", "))
	b.WriteString("You MUST classify only into the allowed primary categories. The other categories are described above only so you can recognise mail that belongs elsewhere; never return them.\n")
	fmt.Fprintf(b, "If an email belongs in any category that is not allowed, respond with exactly this shape:\n\n%s\n\n", outOfScopeShape)
}

func writeStyle(b *strings.Builder, p *voice.Profile) {
	b.WriteString("## Style guidance\n\n")
	b.WriteString("When ai_can_reply is true, any reply drafted for this business should follow its observed writing preferences:\n")
	lines := p.Guidance()
	if len(lines) == 0 {
		lines = []string{"No strong preferences observed yet; keep a friendly, professional tone."}
	}
	for _, l := range lines {
		fmt.Fprintf(b, "- %s\n", l)
	}
	b.WriteString("\n")
}
