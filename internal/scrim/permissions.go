package scrim

// Platform permission bits used when opening registration.
const (
	PermViewChannel        uint64 = 1 << 10
	PermSendMessages       uint64 = 1 << 11
	PermReadMessageHistory uint64 = 1 << 16

	registrationAllow = PermViewChannel | PermSendMessages | PermReadMessageHistory
)

type OverwriteType string

const (
	OverwriteRole   OverwriteType = "role"
	OverwriteMember OverwriteType = "member"
)

// PermissionOverwrite is one entry of a channel's permission overwrites.
// Bitfields travel as decimal strings.
type PermissionOverwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow uint64        `json:"allow,string"`
	Deny  uint64        `json:"deny,string,omitempty"`
}

// RegistrationOverwrite grants roleID view, send and read-history on the
// registration channel. The guild's default role has the guild's id.
func RegistrationOverwrite(roleID string) PermissionOverwrite {
	return PermissionOverwrite{ID: roleID, Type: OverwriteRole, Allow: registrationAllow}
}
