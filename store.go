package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the closed set of record collections a patient carries.
// `CategoryFromHint` in normalize.go must map every inbound
// category name onto exactly one of these.
type Category string

const (
	CategoryTriages     Category = "triages"
	CategoryLabworks    Category = "labworks"
	CategoryMedications Category = "medications"
	CategoryNotes       Category = "notes"
	CategoryAllergies   Category = "allergies"
	CategoryAlerts      Category = "alerts"
	CategoryHistory     Category = "history"
)

var AllCategories = []Category{
	CategoryTriages,
	CategoryLabworks,
	CategoryMedications,
	CategoryNotes,
	CategoryAllergies,
	CategoryAlerts,
	CategoryHistory,
}

func IsKnownCategory(category Category) bool {
	return slices.Contains(AllCategories, category)
}

type Operation string

const (
	OpCreated Operation = "created"
	OpUpdated Operation = "updated"
	OpDeleted Operation = "deleted"
)

// one item inside a category collection. Record payloads are
// category-specific server documents, kept as-is.
type Record map[string]any

// the server has historically keyed document ids as both `_id` and `id`
func (self Record) Id() string {
	if id, ok := self["_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := self["id"].(string); ok {
		return id
	}
	return ""
}

func (self Record) Clone() Record {
	return Record(maps.Clone(self))
}

type Patient struct {
	Id             string
	OrganizationId string

	// scalar fields of the patient document (name, dob, bed, ...)
	Fields map[string]any

	Categories map[Category][]Record

	LastUpdated time.Time
}

// PatientFromDocument splits a full patient document into scalar fields
// and category collections.
func PatientFromDocument(doc map[string]any) *Patient {
	patient := &Patient{
		Fields:     map[string]any{},
		Categories: map[Category][]Record{},
	}
	for key, value := range doc {
		category := Category(key)
		if IsKnownCategory(category) {
			if items, ok := value.([]any); ok {
				records := make([]Record, 0, len(items))
				for _, item := range items {
					if fields, ok := item.(map[string]any); ok {
						records = append(records, Record(fields))
					}
				}
				patient.Categories[category] = records
			}
			continue
		}
		switch key {
		case "_id", "id":
			// prefer `_id` when a document carries both
			if id, ok := value.(string); ok {
				if key == "_id" || patient.Id == "" {
					patient.Id = id
				}
			}
		case "organizationId":
			if organizationId, ok := value.(string); ok {
				patient.OrganizationId = organizationId
			}
		default:
			patient.Fields[key] = value
		}
	}
	return patient
}

func (self *Patient) clone() *Patient {
	categories := map[Category][]Record{}
	for category, records := range self.Categories {
		categories[category] = slices.Clone(records)
	}
	return &Patient{
		Id:             self.Id,
		OrganizationId: self.OrganizationId,
		Fields:         maps.Clone(self.Fields),
		Categories:     categories,
		LastUpdated:    self.LastUpdated,
	}
}

// PatientStore is the in-memory entity cache. It is populated by the bulk
// load collaborator and mutated only by the sync pipeline goroutine;
// the lock exists so read-model observers can snapshot from other
// goroutines.
type PatientStore struct {
	stateLock sync.Mutex

	patients map[string]*Patient
}

func NewPatientStore() *PatientStore {
	return &PatientStore{
		patients: map[string]*Patient{},
	}
}

// Load replaces the store contents with the bulk load result.
func (self *PatientStore) Load(patients []*Patient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.patients = map[string]*Patient{}
	for _, patient := range patients {
		if patient.Id == "" {
			continue
		}
		next := patient.clone()
		if next.Fields == nil {
			next.Fields = map[string]any{}
		}
		if next.Categories == nil {
			next.Categories = map[Category][]Record{}
		}
		self.patients[patient.Id] = next
	}
}

func (self *PatientStore) Get(patientId string) (*Patient, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	patient, ok := self.patients[patientId]
	if !ok {
		return nil, false
	}
	return patient.clone(), true
}

func (self *PatientStore) Contains(patientId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.patients[patientId]
	return ok
}

func (self *PatientStore) CategoryRecords(patientId string, category Category) []Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	patient, ok := self.patients[patientId]
	if !ok {
		return nil
	}
	return slices.Clone(patient.Categories[category])
}

func (self *PatientStore) PatientIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.patients)
}

func (self *PatientStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.patients)
}

// UpsertCategoryRecord applies one normalized sub-record change.
// A patient not present in the store is a no-op: this store only mutates
// entities already loaded via the bulk load. Returns whether the store
// changed.
//
// All three operations are idempotent under redelivery:
//   - created: append unless a record with the same id exists,
//     in which case the repeat is treated as an update
//   - updated: replace the first record whose id matches, else append
//   - deleted: remove the first record whose id matches, else no-op
func (self *PatientStore) UpsertCategoryRecord(patientId string, category Category, op Operation, record Record) bool {
	if !IsKnownCategory(category) {
		glog.Infof("[s]drop unknown category %s for %s\n", category, patientId)
		return false
	}
	recordId := record.Id()
	if recordId == "" && op != OpDeleted {
		glog.Infof("[s]drop %s record without id for %s.%s\n", op, patientId, category)
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	patient, ok := self.patients[patientId]
	if !ok {
		glog.V(2).Infof("[s]noop %s for unknown patient %s\n", op, patientId)
		return false
	}

	records := patient.Categories[category]
	i := slices.IndexFunc(records, func(existing Record) bool {
		return existing.Id() == recordId
	})

	switch op {
	case OpCreated, OpUpdated:
		if 0 <= i {
			records[i] = record.Clone()
		} else {
			records = append(records, record.Clone())
		}
	case OpDeleted:
		if i < 0 {
			// already absent
			return false
		}
		records = slices.Delete(slices.Clone(records), i, i+1)
	default:
		glog.Infof("[s]drop unknown operation %s for %s.%s\n", op, patientId, category)
		return false
	}

	patient.Categories[category] = records
	patient.LastUpdated = time.Now()
	glog.V(2).Infof("[s]%s %s.%s/%s\n", op, patientId, category, recordId)
	return true
}

// ReplacePatient applies a full-document change. Scalar fields and any
// category collections present in the incoming document are replaced;
// collections absent from the incoming document are left untouched,
// never nulled out. A patient not yet in the store is inserted.
func (self *PatientStore) ReplacePatient(incoming *Patient) bool {
	if incoming == nil || incoming.Id == "" {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	patient, ok := self.patients[incoming.Id]
	if !ok {
		patient = &Patient{
			Id:         incoming.Id,
			Fields:     map[string]any{},
			Categories: map[Category][]Record{},
		}
		self.patients[incoming.Id] = patient
	}

	if incoming.OrganizationId != "" {
		patient.OrganizationId = incoming.OrganizationId
	}
	for key, value := range incoming.Fields {
		patient.Fields[key] = value
	}
	for category, records := range incoming.Categories {
		patient.Categories[category] = slices.Clone(records)
	}
	patient.LastUpdated = time.Now()
	glog.V(2).Infof("[s]replace %s\n", incoming.Id)
	return true
}

// Remove drops a patient entirely. Used for explicit deletion
// notifications only.
func (self *PatientStore) Remove(patientId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.patients[patientId]; !ok {
		return false
	}
	delete(self.patients, patientId)
	glog.V(2).Infof("[s]remove %s\n", patientId)
	return true
}

// Clear empties the store at session teardown.
func (self *PatientStore) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.patients = map[string]*Patient{}
}
