package config

type WorkerKeyStruct struct {
	PersistAnswersQueue     string
	PersistSubmissionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:     "persist_answers_queue",
	PersistSubmissionsQueue: "persist_submissions_queue",
}
