package models

import "time"

type Patient struct {
	PatientID   string `json:"patient_id" bson:"_id"`
	DisplayName string `json:"display_name" bson:"display_name"`
	Phone       string `json:"phone,omitempty" bson:"phone,omitempty"`
}

type Doctor struct {
	DoctorID    string `json:"doctor_id" bson:"_id"`
	DisplayName string `json:"display_name" bson:"display_name"`
	BranchID    string `json:"branch_id,omitempty" bson:"branch_id,omitempty"`
}

type Branch struct {
	BranchID string `json:"branch_id" bson:"_id"`
	Name     string `json:"name" bson:"name"`
	Code     string `json:"code,omitempty" bson:"code,omitempty"`
}

// Visit is the clinical visit opened when a patient is admitted to the queue.
type Visit struct {
	VisitID   string    `json:"visit_id"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	CreatedAt time.Time `json:"created_at"`
}
