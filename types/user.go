package types

import "time"

// User represents a profile in the directory.
// It contains identity, demographic attributes, location and follow edges.
type User struct {
	// ID is the unique identifier of the user. Assigned once at creation.
	ID string `json:"id" db:"id"`

	// Username is the unique handle chosen by the user.
	Username string `json:"username" db:"username"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// DOB is the user's date of birth.
	DOB Date `json:"dob" db:"dob"`

	// Address is the user's postal address as free text.
	Address string `json:"address" db:"address"`

	// Description is a short free-form bio.
	Description string `json:"description" db:"description"`

	// Location is the user's last known position. It is mandatory at
	// creation but documents written by other tools may lack it.
	Location *Location `json:"location" db:"-"`

	// Followers holds the ids of users that follow this user.
	Followers []string `json:"followers" db:"followers"`

	// Following holds the ids of users this user follows.
	Following []string `json:"following" db:"following"`

	// CreatedAt is the timestamp when the user was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewUser is the payload used to create a user. Pointer fields are nil when
// the caller did not supply them.
type NewUser struct {
	Username    string    `json:"username"`
	Name        string    `json:"name"`
	DOB         *Date     `json:"dob"`
	Address     string    `json:"address"`
	Description string    `json:"description"`
	Location    *Location `json:"location"`
}

// UserPatch carries a partial update. Only non-nil fields are applied.
type UserPatch struct {
	Username    *string   `json:"username,omitempty"`
	Name        *string   `json:"name,omitempty"`
	DOB         *Date     `json:"dob,omitempty"`
	Address     *string   `json:"address,omitempty"`
	Description *string   `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`

	// Followers and Following replace the whole edge set when supplied.
	Followers *[]string `json:"followers,omitempty"`
	Following *[]string `json:"following,omitempty"`
}

// HasScalarChanges reports whether the patch touches any profile attribute.
func (p UserPatch) HasScalarChanges() bool {
	return p.Username != nil || p.Name != nil || p.DOB != nil ||
		p.Address != nil || p.Description != nil || p.Location != nil
}
