package cache

import (
	"strconv"

	"github.com/issuemirror/issuemirror/internal/models"
)

// Cache keys compose entity class + canonical repo identity + parameters.
// Helpers here are the only place keys are built, so prefix invalidation
// stays collision-free.

func ConfigKey(owner, repo string) string {
	owner, repo = models.RepoKey(owner, repo)
	return "config:" + owner + "/" + repo
}

func IssuePageKey(owner, repo string, page int, labelFilter string) string {
	return IssuesPrefix(owner, repo) + "page=" + strconv.Itoa(page) + ":labels=" + labelFilter
}

func IssueKey(owner, repo string, number int) string {
	return IssuePrefix(owner, repo) + strconv.Itoa(number)
}

func LabelsKey(owner, repo string) string {
	owner, repo = models.RepoKey(owner, repo)
	return "labels:" + owner + "/" + repo
}

// DeliveryKey marks a webhook delivery ID as already applied, so redelivered
// events are idempotent.
func DeliveryKey(deliveryID string) string {
	return "delivery:" + deliveryID
}

func IssuesPrefix(owner, repo string) string {
	owner, repo = models.RepoKey(owner, repo)
	return "issues:" + owner + "/" + repo + ":"
}

func IssuePrefix(owner, repo string) string {
	owner, repo = models.RepoKey(owner, repo)
	return "issue:" + owner + "/" + repo + ":"
}

// RepoPrefixes lists every issue/label namespace prefix for a repo, for bulk
// invalidation after a sync or webhook mutation.
func RepoPrefixes(owner, repo string) []string {
	return []string{
		IssuesPrefix(owner, repo),
		IssuePrefix(owner, repo),
		LabelsKey(owner, repo),
	}
}
