package errors

import "errors"

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改
var ErrOptimisticLock = errors.New("数据已被其他操作修改，请刷新后重试")

// ErrStateConflict 状态比较交换失败：记录已不处于期望状态
var ErrStateConflict = errors.New("记录状态已变更")
