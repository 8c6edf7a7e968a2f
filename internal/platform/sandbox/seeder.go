// Package sandbox generates Synthea-shaped CSV exports for local runs and
// tests. Output is reproducible for a given seed.
package sandbox

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// SeedConfig controls the volume and shape of generated source data.
type SeedConfig struct {
	PatientCount          int `json:"patientCount"`
	ConditionsPerPatient  int `json:"conditionsPerPatient"`
	MedicationsPerPatient int `json:"medicationsPerPatient"`

	// DeathRate is the share of patients with a DEATHDATE.
	DeathRate float64 `json:"deathRate"`

	// NoiseRate is the share of rows carrying values the mapper has to
	// fall back on.
	NoiseRate float64 `json:"noiseRate"`

	AsOf time.Time `json:"asOf"`
	Seed int64     `json:"seed"`
}

// DefaultSeedConfig returns a small, clean dataset.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:          100,
		ConditionsPerPatient:  2,
		MedicationsPerPatient: 3,
		DeathRate:             0.1,
		AsOf:                  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:                  42,
	}
}

// SeedResult summarizes the files written by Generate.
type SeedResult struct {
	Patients    int      `json:"patients"`
	Conditions  int      `json:"conditions"`
	Medications int      `json:"medications"`
	Files       []string `json:"files"`
}

type codeEntry struct {
	Code    string
	Display string
}

var (
	genders     = []string{"F", "M"}
	races       = []string{"white", "black", "asian", "other"}
	ethnicities = []string{"nonhispanic", "hispanic"}

	snomedConditions = []codeEntry{
		{"44054006", "Diabetes mellitus type 2"},
		{"38341003", "Hypertensive disorder"},
		{"195662009", "Acute viral pharyngitis"},
		{"10509002", "Acute bronchitis"},
		{"40055000", "Chronic sinusitis"},
		{"444814009", "Viral sinusitis"},
		{"15777000", "Prediabetes"},
		{"271737000", "Anemia"},
		{"162864005", "Body mass index 30+ - obesity"},
		{"233604007", "Pneumonia"},
	}

	rxnormMedications = []codeEntry{
		{"860975", "24 HR Metformin hydrochloride 500 MG Extended Release Oral Tablet"},
		{"314076", "lisinopril 10 MG Oral Tablet"},
		{"197361", "amlodipine 5 MG Oral Tablet"},
		{"308136", "amoxicillin 500 MG Oral Capsule"},
		{"198211", "Levothyroxine Sodium 0.05 MG Oral Tablet"},
		{"310965", "Losartan Potassium 50 MG Oral Tablet"},
		{"313782", "Acetaminophen 325 MG Oral Tablet"},
		{"199026", "Prednisone 10 MG Oral Tablet"},
	}
)

var (
	patientHeader    = []string{"Id", "BIRTHDATE", "DEATHDATE", "SSN", "FIRST", "LAST", "RACE", "ETHNICITY", "GENDER", "ADDRESS", "CITY", "STATE", "ZIP"}
	conditionHeader  = []string{"START", "STOP", "PATIENT", "ENCOUNTER", "CODE", "DESCRIPTION"}
	medicationHeader = []string{"START", "STOP", "PATIENT", "ENCOUNTER", "CODE", "DESCRIPTION", "DISPENSES", "REASONCODE", "REASONDESCRIPTION"}
)

// Generator produces Synthea-shaped rows from a seeded faker.
type Generator struct {
	faker  *gofakeit.Faker
	config SeedConfig
}

// NewGenerator returns a generator for cfg. A zero AsOf uses the default.
func NewGenerator(cfg SeedConfig) *Generator {
	if cfg.AsOf.IsZero() {
		cfg.AsOf = DefaultSeedConfig().AsOf
	}
	return &Generator{faker: gofakeit.New(uint64(cfg.Seed)), config: cfg}
}

func (g *Generator) noisy() bool {
	return g.config.NoiseRate > 0 && g.faker.Float64() < g.config.NoiseRate
}

func (g *Generator) pickCode(pool []codeEntry) codeEntry {
	return pool[g.faker.Number(0, len(pool)-1)]
}

type patient struct {
	id    string
	birth time.Time
	death time.Time
}

func (g *Generator) patientRow() (patient, []string) {
	p := patient{
		id:    g.faker.UUID(),
		birth: g.faker.DateRange(time.Date(1930, 1, 1, 0, 0, 0, 0, time.UTC), g.config.AsOf.AddDate(-1, 0, 0)),
	}
	gender := g.faker.RandomString(genders)
	race := g.faker.RandomString(races)
	if g.noisy() {
		gender = "U"
		race = "native"
	}
	death := ""
	if g.config.DeathRate > 0 && g.faker.Float64() < g.config.DeathRate {
		p.death = g.faker.DateRange(p.birth, g.config.AsOf)
		death = p.death.Format("2006-01-02")
	}
	return p, []string{
		p.id,
		p.birth.Format("2006-01-02"),
		death,
		g.faker.SSN(),
		g.faker.FirstName(),
		g.faker.LastName(),
		race,
		g.faker.RandomString(ethnicities),
		gender,
		g.faker.Street(),
		g.faker.City(),
		g.faker.StateAbr(),
		g.faker.Zip(),
	}
}

// lastDay is the end of the patient's record.
func (g *Generator) lastDay(p patient) time.Time {
	if !p.death.IsZero() {
		return p.death
	}
	return g.config.AsOf
}

func (g *Generator) conditionRow(p patient) []string {
	c := g.pickCode(snomedConditions)
	start := g.faker.DateRange(p.birth, g.lastDay(p))
	stop := ""
	if g.faker.Bool() {
		stop = g.faker.DateRange(start, g.lastDay(p)).Format("2006-01-02")
	}
	patientID := p.id
	if g.noisy() {
		patientID = g.faker.UUID()
	}
	return []string{start.Format("2006-01-02"), stop, patientID, g.faker.UUID(), c.Code, c.Display}
}

func (g *Generator) medicationRow(p patient, reason string) []string {
	m := g.pickCode(rxnormMedications)
	start := g.faker.DateRange(p.birth, g.lastDay(p))
	stop := ""
	switch {
	case g.noisy():
		stop = "unknown"
	case g.faker.Bool():
		stop = start.AddDate(0, 0, g.faker.Number(1, 180)).Format(time.RFC3339)
	}
	return []string{
		start.Format(time.RFC3339),
		stop,
		p.id,
		g.faker.UUID(),
		m.Code,
		m.Display,
		fmt.Sprint(g.faker.Number(1, 12)),
		reason,
		"",
	}
}

// Generate writes patients.csv, conditions.csv and medications.csv into dir.
func Generate(cfg SeedConfig, dir string) (*SeedResult, error) {
	if cfg.PatientCount < 0 || cfg.ConditionsPerPatient < 0 || cfg.MedicationsPerPatient < 0 {
		return nil, fmt.Errorf("negative counts in seed config")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	g := NewGenerator(cfg)
	result := &SeedResult{}

	var patients, conditions, medications [][]string
	for i := 0; i < cfg.PatientCount; i++ {
		p, row := g.patientRow()
		patients = append(patients, row)

		var reasons []string
		for j := 0; j < cfg.ConditionsPerPatient; j++ {
			row := g.conditionRow(p)
			conditions = append(conditions, row)
			reasons = append(reasons, row[4])
		}
		for j := 0; j < cfg.MedicationsPerPatient; j++ {
			reason := ""
			if len(reasons) > 0 {
				reason = reasons[j%len(reasons)]
			}
			medications = append(medications, g.medicationRow(p, reason))
		}
	}

	files := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{"patients.csv", patientHeader, patients},
		{"conditions.csv", conditionHeader, conditions},
		{"medications.csv", medicationHeader, medications},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeCSV(path, f.header, f.rows); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, path)
	}

	result.Patients = len(patients)
	result.Conditions = len(conditions)
	result.Medications = len(medications)
	return result, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
