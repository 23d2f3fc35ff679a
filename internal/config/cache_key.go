package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamPaperKey returns the cache key for an exam's student-facing paper
func (r *CacheKeyStruct) ExamPaperKey(examID string) string {
	return fmt.Sprintf("exam:%s:paper", examID)
}

// StudentAnswersKey returns the cache key for a student's answers (question id -> option index)
func (r *CacheKeyStruct) StudentAnswersKey(examID string, userID int) string {
	return fmt.Sprintf("user:%d:exam:%s:answers", userID, examID)
}

// StudentCursorKey returns the cache key for a student's current question index
func (r *CacheKeyStruct) StudentCursorKey(examID string, userID int) string {
	return fmt.Sprintf("user:%d:exam:%s:cursor", userID, examID)
}

// StudentAnswerSeqKey holds the last sequence number given to an answer
func (r *CacheKeyStruct) StudentAnswerSeqKey(examID string, userID int) string {
	return fmt.Sprintf("user:%d:exam:%s:answer_seq", userID, examID)
}

// PersonalCopyLockKey returns the lock key guarding duplicate copy submissions
func (r *CacheKeyStruct) PersonalCopyLockKey(userID int, sourceFileID string) string {
	return fmt.Sprintf("user:%d:copy:%s:lock", userID, sourceFileID)
}

var CacheKey = NewCacheKeyStruct()
