package worker

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/herald/internal/candidates"
	"github.com/lalithlochan/herald/internal/db"
)

// composeMessage builds the plain-text subject and body for one kind.
func composeMessage(p db.Parish, m db.Membership, kind candidates.Kind, date candidates.Date) (string, string) {
	name := firstName(m.Name)
	parish := strings.TrimSpace(p.Name)
	if parish == "" {
		parish = "your parish"
	}

	switch kind {
	case candidates.KindBirthday:
		return "Happy birthday, " + name + "!",
			fmt.Sprintf("Dear %s,\n\nEveryone at %s wishes you a blessed birthday. You are in our prayers today.\n", name, parish)
	case candidates.KindAnniversary:
		return "Happy anniversary, " + name + "!",
			fmt.Sprintf("Dear %s,\n\n%s celebrates your anniversary with you today. May God continue to bless your home.\n", name, parish)
	case candidates.KindWeeklyDigest:
		return fmt.Sprintf("%s: this week at the parish", parish),
			fmt.Sprintf("Dear %s,\n\nHere is what is happening at %s for the week of %s %d.\n", name, parish, date.Month, date.Day)
	default:
		return parish, ""
	}
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "friend"
	}
	return fields[0]
}
