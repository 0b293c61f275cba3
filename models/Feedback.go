package models

import "gorm.io/gorm"

// Feedback represents an investor inquiry or contact-form submission from the
// marketing site. UserID is zero for anonymous visitors.
type Feedback struct {
	gorm.Model
	UserID   uint   `json:"userID" gorm:"index"`
	Name     string `json:"name" gorm:"size:200"`
	Email    string `json:"email" gorm:"size:200;index"`
	Subject  string `json:"subject" gorm:"size:200"`
	Message  string `json:"message" gorm:"type:text;not null"`
	Category string `json:"category" gorm:"size:50;index"` // general, investment, support
	Source   string `json:"source" gorm:"size:100"`        // landing page/section the form lives on
}
