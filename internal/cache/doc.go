// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 持有 AgentGov 进程内共享的 Redis 连接，并提供跨节点的
权限缓存失效广播。

# 核心类型

  - Manager：Redis 连接管理器。启动时 Ping 校验连通性，后台定时
    健康检查，Client() 供幂等管理器、执行队列、通知器共享同一连接池。
    启用 TLS 时使用 tlsutil 的加固配置。
  - InvalidationBus：基于 Redis pub/sub 的失效总线。Publish 广播
    (agentID, configVersion)；Run 订阅频道，忽略本节点发出的消息，
    并将远端消息交给权限缓存的 Invalidate。
*/
package cache
