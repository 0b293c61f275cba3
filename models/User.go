package models

import (
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	FirstName           string         `json:"firstName"`
	LastName            string         `json:"lastName"`
	Email               string         `json:"email" gorm:"uniqueIndex"`
	PhoneNumber         string         `json:"phoneNumber"`
	Password            string         `json:"-"`
	SocialLogin         bool           `json:"socialLogin"`
	SocialProvider      string         `json:"socialProvider"`
	AvatarURL           string         `json:"avatarURL"`
	Country             string         `json:"country"`
	InvestorType        string         `json:"investorType" gorm:"size:32"` // individual, institutional
	PushTokens          datatypes.JSON `json:"pushTokens"`
	AllowsNotifications *bool          `json:"allowsNotifications"`
	Role                string         `json:"role" gorm:"type:varchar(20);default:user;index"` // user, admin, super_admin
}

// OwnerID is the user's identity as the KYC subsystem sees it. Sessions key
// owners by string so synthetic demo principals fit the same column.
func (u *User) OwnerID() string {
	return strconv.FormatUint(uint64(u.ID), 10)
}
