package models

import (
	"time"
)

// Account is the token vault record bound to one or more sessions. Every Encrypted* column holds
// an "iv:authTag:ciphertext" value; plaintext tokens are never persisted.
type Account struct {
	BaseModel

	UserID                string     `gorm:"not null;index" json:"user_id"`
	KeycloakUserID        string     `gorm:"index" json:"keycloak_user_id"`
	EncryptedAccessToken  string     `gorm:"type:text;not null" json:"-"`
	EncryptedRefreshToken string     `gorm:"type:text;not null" json:"-"`
	EncryptedIDToken      *string    `gorm:"type:text" json:"-"`
	AccessTokenExpiresAt  time.Time  `gorm:"index" json:"access_token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
	Scope                 *string    `json:"scope,omitempty"`
}
