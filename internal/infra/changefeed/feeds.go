package changefeed

import "codeforge-sync/internal/infra/cache"

// ProjectFeeds are the subscriptions a mounted project needs.
func ProjectFeeds(projectID string) []FeedSpec {
	byProject := "project_id=eq." + projectID
	return []FeedSpec{
		{Table: "projects", Filter: "id=eq." + projectID, Keys: []string{cache.ProjectKey(projectID), cache.ProjectListKey()}},
		{Table: "agent_jobs", Filter: byProject, Keys: []string{cache.ProjectJobsKey(projectID)}},
		{Table: "project_files", Filter: byProject, Keys: []string{cache.ProjectFilesKey(projectID)}},
		{Table: "chat_messages", Filter: byProject, Keys: []string{cache.ProjectMessagesKey(projectID)}},
	}
}

// UserFeeds keep the project list current for one user.
func UserFeeds(userID string) []FeedSpec {
	filter := ""
	if userID != "" {
		filter = "user_id=eq." + userID
	}
	return []FeedSpec{{Table: "projects", Filter: filter, Keys: []string{cache.ProjectListKey()}}}
}
