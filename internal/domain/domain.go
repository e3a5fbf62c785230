package domain

import "time"

type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldURL      FieldType = "url"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
	FieldRadio    FieldType = "radio"
	FieldCheckbox FieldType = "checkbox"
	FieldDate     FieldType = "date"
	FieldNumber   FieldType = "number"
	FieldFile     FieldType = "file"
)

var fieldTypes = map[FieldType]bool{
	FieldText: true, FieldEmail: true, FieldTel: true, FieldURL: true, FieldTextarea: true,
	FieldSelect: true, FieldRadio: true, FieldCheckbox: true, FieldDate: true, FieldNumber: true,
	FieldFile: true,
}

func (t FieldType) Valid() bool { return fieldTypes[t] }

// HasOptions reports whether fields of this type carry a closed option list.
func (t FieldType) HasOptions() bool {
	return t == FieldSelect || t == FieldRadio || t == FieldCheckbox
}

type FieldSpec struct {
	ID       string    `json:"id" yaml:"id"`
	Label    string    `json:"label" yaml:"label"`
	Type     FieldType `json:"type" yaml:"type" enum:"text,email,tel,url,textarea,select,radio,checkbox,date,number,file"`
	Required bool      `json:"required,omitempty" yaml:"required"`
	Options  []string  `json:"options,omitempty" yaml:"options"`
}

type FormTemplate struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Subject     string      `json:"subject,omitempty"`
	Fields      []FieldSpec `json:"fields"`
	Active      bool        `json:"active"`
	UsageCount  int         `json:"usage_count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type FormStatus string

const (
	FormCreated   FormStatus = "created"
	FormSent      FormStatus = "sent"
	FormOpened    FormStatus = "opened"
	FormCompleted FormStatus = "completed"
	FormExpired   FormStatus = "expired"
)

type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderMicrosoft Provider = "microsoft"
)

func (p Provider) Valid() bool { return p == ProviderGmail || p == ProviderMicrosoft }

// Form is an issued, token-addressed copy of a template. Fields is the
// snapshot taken at issue time and never changes afterwards.
type Form struct {
	Token          string      `json:"token"`
	TemplateID     string      `json:"template_id"`
	Fields         []FieldSpec `json:"fields"`
	CandidateEmail string      `json:"candidate_email"`
	CandidateName  string      `json:"candidate_name,omitempty"`
	IssuerEmail    string      `json:"issuer_email"`
	Provider       Provider    `json:"provider,omitempty"`
	Subject        string      `json:"subject"`
	Status         FormStatus  `json:"status" enum:"created,sent,opened,completed,expired"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
	OpenedAt       *time.Time  `json:"opened_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// EffectiveStatus applies lazy expiry: a form that is not completed is
// expired once now reaches ExpiresAt, whatever its stored status.
func (f Form) EffectiveStatus(now time.Time) FormStatus {
	if f.Status == FormCompleted {
		return FormCompleted
	}
	if !now.Before(f.ExpiresAt) {
		return FormExpired
	}
	return f.Status
}

// ReconcileSince is the instant after which replies to the form are considered.
func (f Form) ReconcileSince() time.Time {
	if f.SentAt != nil {
		return *f.SentAt
	}
	return f.CreatedAt
}

type Origin string

const (
	OriginWeb   Origin = "web"
	OriginEmail Origin = "email"
)

type Response struct {
	ID          string         `json:"id"`
	FormToken   string         `json:"form_token"`
	Answers     map[string]any `json:"answers"`
	Origin      Origin         `json:"origin" enum:"web,email"`
	Source      string         `json:"source,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Processed   bool           `json:"processed"`
	CaseID      *string        `json:"case_id,omitempty"`
}

type OAuthCredential struct {
	Identity     string    `json:"identity"`
	Provider     Provider  `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CaseStatus string

const (
	CaseIntake                 CaseStatus = "Intake"
	CaseVerificationPending    CaseStatus = "VerificationPending"
	CaseVerificationInProgress CaseStatus = "VerificationInProgress"
	CaseVerified               CaseStatus = "Verified"
	CaseSearching              CaseStatus = "Searching"
	CaseShortlisted            CaseStatus = "Shortlisted"
	CaseSubmitted              CaseStatus = "Submitted"
	CasePlaced                 CaseStatus = "Placed"
	CaseOnHold                 CaseStatus = "OnHold"
	CaseClosed                 CaseStatus = "Closed"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type VerificationCheck string

const (
	CheckLinkedIn   VerificationCheck = "linkedin"
	CheckEducation  VerificationCheck = "education"
	CheckExperience VerificationCheck = "experience"
	CheckReferences VerificationCheck = "references"
)

// VerificationChecks lists every check in display order.
var VerificationChecks = []VerificationCheck{CheckLinkedIn, CheckEducation, CheckExperience, CheckReferences}

func (c VerificationCheck) Valid() bool {
	for _, v := range VerificationChecks {
		if v == c {
			return true
		}
	}
	return false
}

type CheckState struct {
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Actor      string     `json:"actor,omitempty"`
}

type Verification map[VerificationCheck]CheckState

// CoreVerified reports whether the checks that gate the Verified status are done.
// References are tracked but do not gate it.
func (v Verification) CoreVerified() bool {
	return v[CheckLinkedIn].Verified && v[CheckEducation].Verified && v[CheckExperience].Verified
}

type Case struct {
	ID             string       `json:"id"`
	CandidateName  string       `json:"candidate_name,omitempty"`
	CandidateEmail string       `json:"candidate_email,omitempty"`
	FormToken      *string      `json:"form_token,omitempty"`
	Status         CaseStatus   `json:"status"`
	Priority       Priority     `json:"priority" enum:"low,normal,high,urgent"`
	SLADeadline    time.Time    `json:"sla_deadline"`
	SLABreached    bool         `json:"sla_breached"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	Verification   Verification `json:"verification,omitempty"`
	Activities     []Activity   `json:"activities,omitempty"`
	Notes          []Note       `json:"notes,omitempty"`
}

// IsBreached reports whether the SLA deadline has passed for a case that is still open.
func (c Case) IsBreached(now time.Time) bool {
	if c.Status == CasePlaced || c.Status == CaseClosed {
		return c.SLABreached
	}
	return c.SLABreached || !now.Before(c.SLADeadline)
}

type ActivityKind string

const (
	ActivityCreated      ActivityKind = "created"
	ActivityStatusChange ActivityKind = "status_change"
	ActivityVerification ActivityKind = "verification"
	ActivityNote         ActivityKind = "note"
	ActivitySLABreach    ActivityKind = "sla_breach"
)

type Activity struct {
	ID         string       `json:"id"`
	CaseID     string       `json:"case_id"`
	Seq        int          `json:"seq"`
	Kind       ActivityKind `json:"kind"`
	FromStatus CaseStatus   `json:"from_status,omitempty"`
	ToStatus   CaseStatus   `json:"to_status,omitempty"`
	Actor      string       `json:"actor"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

type Note struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
