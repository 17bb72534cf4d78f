package project

import "time"

// Project is the campaign brief a brand posts; deals reference exactly one
// project.
type Project struct {
	ID       string
	BrandID  string
	Title    string
	Brief    string
	Currency string
	// BudgetMinor is the brand's indicative budget, not an escrow limit.
	BudgetMinor int64
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
