// Package history хранит ограниченную историю последних сканирований.
//
// Есть две независимые стратегии: Remote для аутентифицированных клиентов (источник: журнал
// событий сканирования на сервере) и Local для анонимного или офлайн-использования (локальное
// key-value хранилище устройства). Эти истории никогда не объединяются: локальная история не
// выгружается на сервер после входа, серверная не кэшируется локально.
package history

import (
	"context"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// DefaultLimit задаёт размер страницы истории по умолчанию и максимальный размер локальной истории.
const DefaultLimit = 10

// Source отдаёт историю сканирований. Recent возвращает не более n записей, начиная с самых новых.
type Source interface {
	Append(ctx context.Context, rec model.RecentScanRecord) error
	Recent(ctx context.Context, n int) ([]model.RecentScanRecord, error)
}

func clampLimit(n, upper int) int {
	if n <= 0 || n > upper {
		return upper
	}
	return n
}
