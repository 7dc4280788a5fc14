package cache

import "strings"

// Kind groups keys that share a fetcher.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindProjectList     Kind = "project_list"
	KindProject         Kind = "project"
	KindProjectJobs     Kind = "project_jobs"
	KindProjectFiles    Kind = "project_files"
	KindProjectMessages Kind = "project_messages"
	KindJob             Kind = "job"
)

func ProjectListKey() string             { return "projects:list" }
func ProjectKey(projectID string) string { return "project:" + projectID }
func ProjectJobsKey(projectID string) string {
	return "project:" + projectID + ":jobs"
}
func ProjectFilesKey(projectID string) string {
	return "project:" + projectID + ":files"
}
func ProjectMessagesKey(projectID string) string {
	return "project:" + projectID + ":messages"
}
func JobKey(jobID string) string { return "job:" + jobID }

// ParseKey returns the kind of a key and the id embedded in it.
func ParseKey(key string) (Kind, string) {
	if key == ProjectListKey() {
		return KindProjectList, ""
	}
	if id, ok := strings.CutPrefix(key, "job:"); ok && id != "" {
		return KindJob, id
	}
	rest, ok := strings.CutPrefix(key, "project:")
	if !ok || rest == "" {
		return KindUnknown, ""
	}
	id, suffix, found := strings.Cut(rest, ":")
	if id == "" {
		return KindUnknown, ""
	}
	if !found {
		return KindProject, id
	}
	switch suffix {
	case "jobs":
		return KindProjectJobs, id
	case "files":
		return KindProjectFiles, id
	case "messages":
		return KindProjectMessages, id
	}
	return KindUnknown, ""
}

func KindOf(key string) Kind {
	k, _ := ParseKey(key)
	return k
}
