package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrLoginRequired      ErrCode = "LOGIN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam-specific ─────────────────────────────────────────────────
	ErrExamNotAvailable  ErrCode = "EXAM_NOT_AVAILABLE"
	ErrNoQuestions       ErrCode = "NO_QUESTIONS"
	ErrSessionNotStarted ErrCode = "SESSION_NOT_STARTED"
	ErrSessionExpired    ErrCode = "SESSION_EXPIRED"
	ErrSessionSubmitted  ErrCode = "SESSION_SUBMITTED"
	ErrInvalidAnswer     ErrCode = "INVALID_ANSWER"

	// ─── Storage ───────────────────────────────────────────────────────
	ErrInsufficientQuota ErrCode = "INSUFFICIENT_QUOTA"
	ErrSourceNotFound    ErrCode = "SOURCE_NOT_FOUND"
	ErrTransferFailed    ErrCode = "TRANSFER_FAILED"
	ErrFolderNotFound    ErrCode = "FOLDER_NOT_FOUND"
	ErrFileNotFound      ErrCode = "FILE_NOT_FOUND"
	ErrCopyInProgress    ErrCode = "COPY_IN_PROGRESS"
	ErrFileRequired      ErrCode = "FILE_REQUIRED"
	ErrFileTooLarge      ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "البريد الإلكتروني أو كلمة المرور غير صحيحة."
	case ErrLoginRequired:
		return "يجب تسجيل الدخول للمتابعة."
	case ErrTokenInvalid:
		return "رمز الدخول غير صالح."
	case ErrTokenExpired:
		return "انتهت صلاحية رمز الدخول. يرجى تسجيل الدخول مرة أخرى."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "ليس لديك صلاحية للوصول إلى هذا المورد."
	case ErrStudentAccessOnly:
		return "هذا المورد متاح للطلاب فقط."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "فشل التحقق من البيانات. يرجى مراجعة المدخلات."
	case ErrInvalidID:
		return "صيغة المعرف غير صالحة."
	case ErrInvalidPayload:
		return "بيانات الطلب غير صالحة."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "المورد غير موجود."

	// ─── Exam-specific ─────────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "هذا الاختبار غير متاح حاليًا."
	case ErrNoQuestions:
		return "لا يحتوي هذا الاختبار على أسئلة."
	case ErrSessionNotStarted:
		return "لم تبدأ هذا الاختبار بعد."
	case ErrSessionExpired:
		return "انتهى وقت الاختبار وتم تسليم إجاباتك تلقائيًا."
	case ErrSessionSubmitted:
		return "تم تسليم هذا الاختبار بالفعل."
	case ErrInvalidAnswer:
		return "الإجابة المختارة غير صالحة لهذا السؤال."

	// ─── Storage ───────────────────────────────────────────────────────
	case ErrInsufficientQuota:
		return "لا توجد مساحة كافية في التخزين الشخصي. احذف بعض الملفات أو قم بترقية المساحة."
	case ErrSourceNotFound:
		return "الملف المصدر غير موجود."
	case ErrTransferFailed:
		return "تعذر نسخ الملف. يرجى المحاولة مرة أخرى."
	case ErrFolderNotFound:
		return "المجلد غير موجود."
	case ErrFileNotFound:
		return "الملف غير موجود."
	case ErrCopyInProgress:
		return "جارٍ نسخ هذا الملف بالفعل."
	case ErrFileRequired:
		return "يجب إرفاق ملف."
	case ErrFileTooLarge:
		return "حجم الملف يتجاوز الحد المسموح."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "طلبات كثيرة جدًا. يرجى المحاولة لاحقًا."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "حدث خطأ داخلي في الخادم."
	default:
		return "حدث خطأ غير متوقع."
	}
}

// GetKind returns the machine-readable error category clients branch on,
// or "" when the code has none.
func GetKind(code ErrCode) string {
	switch code {
	case ErrInsufficientQuota:
		return "insufficient_quota"
	case ErrSourceNotFound:
		return "source_not_found"
	case ErrTransferFailed:
		return "transfer_failed"
	case ErrSessionExpired:
		return "session_expired"
	case ErrLoginRequired, ErrTokenInvalid, ErrTokenExpired:
		return "unauthenticated"
	default:
		return ""
	}
}
