package authorization

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Drug and condition category names used by the fallback analyzer.
const (
	drugCardiovascular = "cardiovascular"
	drugAntibiotic     = "antibiotic"
	drugPsychiatric    = "psychiatric"

	conditionOrthopedic    = "orthopedic"
	conditionInfectious    = "infectious"
	conditionNonInfectious = "non_infectious"
)

// KeywordTables holds the drug and condition keyword sets that drive the
// fallback analyzer. They are data, not code: deployments can override them
// via FALLBACK_KEYWORDS_PATH without touching the matching logic.
type KeywordTables struct {
	DrugCategories      map[string][]string `yaml:"drug_categories"`
	ConditionCategories map[string][]string `yaml:"condition_categories"`
}

// DefaultKeywordTables returns the compiled-in keyword sets.
func DefaultKeywordTables() KeywordTables {
	return KeywordTables{
		DrugCategories: map[string][]string{
			drugCardiovascular: {
				"losartán", "losartan", "enalapril", "atenolol", "amlodipino",
				"carvedilol", "valsartán", "valsartan", "metoprolol",
				"antihipertensivo", "hipertensión", "hipertension",
			},
			drugAntibiotic: {
				"amoxicilina", "azitromicina", "ciprofloxacino", "cefalexina",
				"penicilina", "claritromicina", "clindamicina", "doxiciclina",
				"antibiótico", "antibiotico",
			},
			drugPsychiatric: {
				"sertralina", "fluoxetina", "escitalopram", "clonazepam",
				"alprazolam", "risperidona", "quetiapina", "antidepresivo",
				"ansiolítico", "ansiolitico",
			},
		},
		ConditionCategories: map[string][]string{
			conditionOrthopedic: {
				"fractura", "esguince", "luxación", "luxacion", "tendinitis",
				"lumbalgia", "contusión", "contusion", "trauma", "tibia",
				"fémur", "femur", "rodilla", "hombro", "óseo", "oseo",
			},
			conditionInfectious: {
				"infección", "infeccion", "faringitis", "amigdalitis",
				"neumonía", "neumonia", "bronquitis", "otitis", "sinusitis",
				"celulitis", "absceso", "bacteriana", "bacteriano", "sepsis",
			},
			conditionNonInfectious: {
				"viral", "alergia", "alérgica", "alergica", "no infecciosa",
				"no infeccioso", "sin infección", "sin infeccion", "migraña",
				"migrana",
			},
		},
	}
}

// LoadKeywordTables reads keyword tables from a YAML file, falling back to
// the compiled-in defaults for any category the file omits. An empty path
// returns the defaults unchanged.
func LoadKeywordTables(path string) (KeywordTables, error) {
	tables := DefaultKeywordTables()
	if path == "" {
		return tables, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return KeywordTables{}, fmt.Errorf("read keyword tables: %w", err)
	}

	var loaded KeywordTables
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return KeywordTables{}, fmt.Errorf("parse keyword tables: %w", err)
	}

	for category, words := range loaded.DrugCategories {
		if len(words) > 0 {
			tables.DrugCategories[category] = words
		}
	}
	for category, words := range loaded.ConditionCategories {
		if len(words) > 0 {
			tables.ConditionCategories[category] = words
		}
	}

	return tables, nil
}
