package errors

// Error codes, grouped by the HTTP class they map to (code/100 == status).
const (
	CodeValidation    = 40000
	CodeInvalidSample = 40001
	CodeSelfTarget    = 40002

	CodeUnauthorized = 40300

	CodeNotFound = 40400
	// 隐藏存在性：陌生人响应他人的请求与请求不存在返回同一个码
	CodeNotFoundOrResponded = 40401

	CodeConflict        = 40900
	CodeDuplicateActive = 40901
	CodeNotActive       = 40902

	CodeTransientStore = 50001
	CodeIngestFailed   = 50002
)

// Domain error sentinels. Services return copies via WithContext; matching
// goes through Is, which compares codes.
var (
	ErrSelfTarget = WithCode(CodeSelfTarget, "you cannot track yourself")

	ErrDuplicateActiveRequest = WithCode(CodeDuplicateActive,
		"an active request or permission already exists for this user")

	ErrNotFoundOrAlreadyResponded = WithCode(CodeNotFoundOrResponded,
		"permission request not found or already responded")

	ErrUnauthorized = WithCode(CodeUnauthorized, "you do not have permission to do this")

	ErrNotActive = WithCode(CodeNotActive, "permission is not active")

	ErrNotFound = WithCode(CodeNotFound, "record not found")

	ErrInvalidSample = WithCode(CodeInvalidSample, "invalid location sample")

	ErrTransientStore = WithCode(CodeTransientStore, "durable store write failed")

	ErrIngestFailed = WithCode(CodeIngestFailed, "failed to ingest location sample")
)

// HTTPStatus maps an error code to its HTTP status class
func HTTPStatus(err error) int {
	code := GetCode(err)
	if code == 0 {
		return 500
	}
	return code / 100
}
