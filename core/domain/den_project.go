package domain

import "time"

// MemberRole represents a team member's role
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleMember MemberRole = "member"
)

// Member is a participant in a hackathon project
type Member struct {
	UserID   string     `json:"userId"`
	Name     string     `json:"name"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// Pivot records a change of direction during the hackathon
type Pivot struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Description string    `json:"description"`
	Reason      string    `json:"reason"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Project is the team's shared hackathon workspace
type Project struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	HackathonName string     `json:"hackathonName,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Members       []Member   `json:"members,omitempty"`
	Pivots        []Pivot    `json:"pivots,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	if p.Deadline != nil {
		d := *p.Deadline
		c.Deadline = &d
	}
	c.Members = append([]Member(nil), p.Members...)
	c.Pivots = append([]Pivot(nil), p.Pivots...)
	return &c
}

// ProjectPatch holds editable project fields; nil means unchanged
type ProjectPatch struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Apply returns a copy of p with the patch applied.
func (pp ProjectPatch) Apply(p *Project) *Project {
	c := p.Clone()
	if pp.Name != nil {
		c.Name = *pp.Name
	}
	if pp.Description != nil {
		c.Description = *pp.Description
	}
	if pp.Deadline != nil {
		d := *pp.Deadline
		c.Deadline = &d
	}
	return c
}

// PivotInput is the payload for logging a pivot
type PivotInput struct {
	Description string `json:"description"`
	Reason      string `json:"reason"`
}
