package realtime

import (
	"encoding/json"

	"github.com/golang/glog"
)

// ChangeNotification is the raw inbound change event, pre-normalization.
// The server has emitted the changed sub-record under both `record` and
// `data`, and the category hint under both `recordType` (user facing name)
// and `modelName` (internal name), depending on its version. Both spellings
// of both fields are legal.
type ChangeNotification struct {
	Patient        map[string]any `json:"patient,omitempty"`
	Record         map[string]any `json:"record,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	RecordType     string         `json:"recordType,omitempty"`
	ModelName      string         `json:"modelName,omitempty"`
	Operation      string         `json:"operation,omitempty"`
	PatientId      string         `json:"patientId,omitempty"`
	OrganizationId string         `json:"organizationId,omitempty"`
	BroadcastId    string         `json:"broadcastId,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
}

func ParseChangeNotification(payload json.RawMessage) (*ChangeNotification, error) {
	notification := &ChangeNotification{}
	if err := json.Unmarshal(payload, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// NormalizedChange is the canonical form every inbound change is collapsed
// into. Exactly one of `Patient` (full document replace) or
// `Category`+`Record` (sub-record change) is set.
type NormalizedChange struct {
	PatientId      string
	OrganizationId string
	BroadcastId    string
	Op             Operation

	// full document replace
	Patient *Patient

	// sub-record change
	Category Category
	Record   Record
}

func (self *NormalizedChange) IsFullReplace() bool {
	return self.Patient != nil
}

// user-facing record type names, one per store category
var recordTypeCategories = map[string]Category{
	"triage":     CategoryTriages,
	"labwork":    CategoryLabworks,
	"medication": CategoryMedications,
	"note":       CategoryNotes,
	"allergy":    CategoryAllergies,
	"alert":      CategoryAlerts,
	"history":    CategoryHistory,
}

// internal model names, one per store category. `ObstetricHistory` is the
// internal tag for the patient's obstetric/medical history collection.
var modelNameCategories = map[string]Category{
	"Triage":           CategoryTriages,
	"LabWork":          CategoryLabworks,
	"Medication":       CategoryMedications,
	"Note":             CategoryNotes,
	"Allergy":          CategoryAllergies,
	"Alert":            CategoryAlerts,
	"ObstetricHistory": CategoryHistory,
}

// CategoryFromHint resolves either spelling of the category hint onto the
// closed category set. Unknown hints do not resolve: an unmapped category
// is dropped by the caller, never guessed.
func CategoryFromHint(recordType string, modelName string) (Category, bool) {
	if category, ok := recordTypeCategories[recordType]; ok {
		return category, true
	}
	if category, ok := modelNameCategories[modelName]; ok {
		return category, true
	}
	return "", false
}

var operationNames = map[string]Operation{
	"created": OpCreated,
	"create":  OpCreated,
	"updated": OpUpdated,
	"update":  OpUpdated,
	"deleted": OpDeleted,
	"delete":  OpDeleted,
	"remove":  OpDeleted,
}

func operationFromName(name string) Operation {
	if op, ok := operationNames[name]; ok {
		return op
	}
	// the server omits the operation on plain edits
	return OpUpdated
}

// Normalize collapses a raw change notification into canonical form.
// Returns nil for a malformed notification, which the caller drops with a
// warning. Pure except for the read-only store query that decides
// created-vs-updated on a full document.
func Normalize(notification *ChangeNotification, store *PatientStore) *NormalizedChange {
	if notification == nil {
		return nil
	}

	change := &NormalizedChange{
		OrganizationId: notification.OrganizationId,
		BroadcastId:    notification.BroadcastId,
		Op:             operationFromName(notification.Operation),
	}

	// shape 1: a full patient document
	if 0 < len(notification.Patient) {
		patient := PatientFromDocument(notification.Patient)
		if patient.Id == "" {
			patient.Id = notification.PatientId
		}
		if patient.Id == "" {
			glog.Infof("[n]drop full document without id\n")
			return nil
		}
		// scalar deltas ride alongside the document on some server versions
		for key, value := range notification.Changes {
			patient.Fields[key] = value
		}
		if patient.OrganizationId == "" {
			patient.OrganizationId = notification.OrganizationId
		} else if change.OrganizationId == "" {
			change.OrganizationId = patient.OrganizationId
		}
		change.PatientId = patient.Id
		change.Patient = patient
		if change.Op != OpDeleted {
			if store != nil && store.Contains(patient.Id) {
				change.Op = OpUpdated
			} else {
				change.Op = OpCreated
			}
		}
		glog.V(2).Infof("[n]%s patient %s\n", change.Op, change.PatientId)
		return change
	}

	// shape 2: a single sub-record plus a category hint
	record := notification.Record
	if len(record) == 0 {
		record = notification.Data
	}
	if len(record) == 0 {
		glog.Infof("[n]drop notification with neither document nor record\n")
		return nil
	}

	category, ok := CategoryFromHint(notification.RecordType, notification.ModelName)
	if !ok {
		glog.Infof("[n]drop unknown category hint recordType=%q modelName=%q\n", notification.RecordType, notification.ModelName)
		return nil
	}

	patientId := notification.PatientId
	if patientId == "" {
		// some record payloads carry their owning patient inline
		if inlineId, ok := record["patientId"].(string); ok {
			patientId = inlineId
		}
	}
	if patientId == "" {
		glog.Infof("[n]drop %s record without patient id\n", category)
		return nil
	}

	change.PatientId = patientId
	change.Category = category
	change.Record = Record(record)
	glog.V(2).Infof("[n]%s %s.%s\n", change.Op, patientId, category)
	return change
}
