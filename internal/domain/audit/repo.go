package audit

import "context"

type AccessLogRepository interface {
	Create(ctx context.Context, e *AccessLog) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*AccessLog, int, error)
}
