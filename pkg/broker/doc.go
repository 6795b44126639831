// Package broker はKafkaを介したイベントの発行と購読を提供する。
//
// Producerはミューテーションをコミットした後に呼び出され、イベントエンベロープを
// JSONにエンコードして非同期に書き込む。ブローカーからの応答待ちや再送はkafka-goの
// Writerに任せ、配送結果はCompletionコールバックで集計する。
// メッセージキーには受信者のユーザーIDを使用し、同じユーザー宛てのイベントが
// 同一パーティション内で順序を保つようにする。
//
// 購読側はMessageReaderを通じてコンシューマーグループとしてメッセージを取得し、
// 永続化が完了したものだけを明示的にコミットする。
package broker
