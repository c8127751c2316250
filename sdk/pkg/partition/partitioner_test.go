package partition

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPartitioner(t *testing.T) {
	Convey("测试聚合ID到分区的映射", t, func() {

		Convey("分区数必须为正", func() {
			_, err := New(0)
			So(err, ShouldNotBeNil)
			_, err = New(-3)
			So(err, ShouldNotBeNil)
		})

		p, err := New(3)
		So(err, ShouldBeNil)

		Convey("同一个ID总是落在同一个分区", func() {
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("product-%d", i)
				first := p.PartitionFor(id)
				So(p.PartitionFor(id), ShouldEqual, first)
				So(first, ShouldBeBetweenOrEqual, 0, 2)
			}
		})

		Convey("不同实例计算结果一致", func() {
			other, err := New(3)
			So(err, ShouldBeNil)
			So(other.PartitionFor("product-42"), ShouldEqual, p.PartitionFor("product-42"))
		})

		Convey("足够多的ID会覆盖所有分区", func() {
			seen := map[int]bool{}
			for i := 0; i < 1000; i++ {
				seen[p.PartitionFor(fmt.Sprintf("aggregate-%d", i))] = true
			}
			So(len(seen), ShouldEqual, 3)
		})

		Convey("Partitions 返回全部分区下标", func() {
			So(p.Count(), ShouldEqual, 3)
			So(p.Partitions(), ShouldResemble, []int{0, 1, 2})
		})

		Convey("单分区时全部映射到 0", func() {
			single, err := New(1)
			So(err, ShouldBeNil)
			So(single.PartitionFor("anything"), ShouldEqual, 0)
		})
	})
}
