package persistence

import (
	"net/url"
)

// 记录的优先级：限位事件优先于物体记录
const (
	PriorityObject = 0
	PriorityLimit  = 1
)

// Job 是一条待发送给数据库网关的表单记录
type Job struct {
	Kind     string     // "evento" 或 "objeto"，用于日志和指标
	Path     string     // 网关上的脚本路径
	Form     url.Values // 表单数据
	Priority int        // 数值越大优先级越高
	TraceID  string     // 关联的物体 Trace ID，可为空
	seq      uint64     // 入队序号，同优先级按先进先出
	index    int        // 元素在堆中的索引，用于 heap.Remove
}

// JobQueue 实现了 heap.Interface 接口，是一个最大堆
type JobQueue []*Job

func (q JobQueue) Len() int { return len(q) }

// Less 定义了元素的排序规则
// 高优先级先出；同优先级时序号小的先出
func (q JobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

// Swap 交换两个元素的位置
func (q JobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

// Push 向队列中添加元素
func (q *JobQueue) Push(x interface{}) {
	n := len(*q)
	job := x.(*Job)
	job.index = n
	*q = append(*q, job)
}

// Pop 从队列中移除并返回优先级最高的元素
func (q *JobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	job.index = -1
	*q = old[0 : n-1]
	return job
}

// weakest 返回最应该被丢弃的元素：优先级最低、最新入队
func (q JobQueue) weakest() *Job {
	var w *Job
	for _, j := range q {
		if w == nil || j.Priority < w.Priority || (j.Priority == w.Priority && j.seq > w.seq) {
			w = j
		}
	}
	return w
}
